package auth

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
)

// NewFromConfig builds the provider selected by the authentication section
func NewFromConfig(cfg config.AuthConfig) (Provider, error) {
	expiry := time.Duration(cfg.TokenExpirySeconds) * time.Second

	accounts := make([]Account, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		accounts = append(accounts, Account{Username: u.Username, Password: u.Password, Roles: u.Roles})
	}

	switch cfg.Scheme {
	case "", SchemeBearer:
		return NewBearerTokenProvider(&BearerTokenConfig{
			TokenExpiry:   expiry,
			RefreshExpiry: expiry * 7,
			Refreshable:   true,
			Accounts:      accounts,
		}), nil

	case SchemeAPIKey:
		keys := make([]APIKey, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, APIKey{Key: k.Key, UserID: k.UserID, Roles: k.Roles})
		}
		return NewAPIKeyProvider(&APIKeyConfig{Keys: keys}), nil

	case SchemeJWT:
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt scheme requires a secret")
		}
		return NewJWTProvider(JWTConfig{
			Secret:      []byte(cfg.JWTSecret),
			Issuer:      cfg.JWTIssuer,
			TokenExpiry: expiry,
			Accounts:    accounts,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported authentication scheme %q", cfg.Scheme)
	}
}
