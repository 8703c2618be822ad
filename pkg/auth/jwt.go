package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims understood by JWTProvider
type Claims struct {
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures the JWT provider
type JWTConfig struct {
	// Secret signs and verifies HS256 tokens
	Secret []byte

	// Issuer, when set, is written to and required on every token
	Issuer string

	// TokenExpiry defines token lifetime (default: 1 hour)
	TokenExpiry time.Duration

	// Accounts that may obtain tokens through IssueToken
	Accounts []Account

	// RBAC policy used by Authorize (default: NewRBAC(RoleUser))
	RBAC *RBAC
}

// JWTProvider authenticates stateless HS256 tokens. Logout and refresh revoke
// a token by its ID until it would have expired anyway.
type JWTProvider struct {
	secret      []byte
	issuer      string
	tokenExpiry time.Duration
	accounts    map[string]Account
	rbac        *RBAC

	mu      sync.Mutex
	revoked map[string]time.Time
}

var (
	_ Provider    = (*JWTProvider)(nil)
	_ TokenIssuer = (*JWTProvider)(nil)
	_ Resolver    = (*JWTProvider)(nil)
	_ Initializer = (*JWTProvider)(nil)
)

// NewJWTProvider creates a JWT provider
func NewJWTProvider(config JWTConfig) *JWTProvider {
	p := &JWTProvider{
		secret:      config.Secret,
		issuer:      config.Issuer,
		tokenExpiry: config.TokenExpiry,
		accounts:    make(map[string]Account, len(config.Accounts)),
		rbac:        config.RBAC,
		revoked:     make(map[string]time.Time),
	}
	if p.tokenExpiry == 0 {
		p.tokenExpiry = time.Hour
	}
	if p.rbac == nil {
		p.rbac = NewRBAC(RoleUser)
	}
	for _, a := range config.Accounts {
		p.accounts[a.Username] = a
	}
	return p
}

// Initialize refuses to run without a signing secret
func (p *JWTProvider) Initialize(ctx context.Context) error {
	if len(p.secret) == 0 {
		return NewAuthError(ErrInvalidCredentials, "jwt signing secret is required")
	}
	return nil
}

// Scheme returns the authentication scheme name.
func (p *JWTProvider) Scheme() string {
	return SchemeJWT
}

// Generate signs a token for the subject with the given roles
func (p *JWTProvider) Generate(subject, username string, roles []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(p.tokenExpiry)

	claims := Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueToken validates account credentials and returns a signed token
func (p *JWTProvider) IssueToken(ctx context.Context, username, password string) (*TokenResult, error) {
	account, exists := p.accounts[username]
	match := subtle.ConstantTimeCompare([]byte(account.Password), []byte(password)) == 1
	if username == "" || !exists || !match {
		return nil, NewAuthError(ErrInvalidCredentials, "invalid username or password")
	}

	token, expiresAt, err := p.Generate(fmt.Sprintf("user-%s", username), username, account.Roles)
	if err != nil {
		return nil, err
	}

	return &TokenResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.tokenExpiry.Seconds()),
		IssuedAt:    time.Now(),
		User: &UserInfo{
			ID:        fmt.Sprintf("user-%s", username),
			Username:  username,
			Roles:     append([]string(nil), account.Roles...),
			ExpiresAt: &expiresAt,
		},
	}, nil
}

// Authenticate accepts any valid, unrevoked token
func (p *JWTProvider) Authenticate(ctx context.Context, credentials string, client ClientInfo) (bool, error) {
	if credentials == "" {
		return false, nil
	}
	if _, err := p.Resolve(ctx, credentials); err != nil {
		if isRejection(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Resolve verifies the token and returns the principal from its claims
func (p *JWTProvider) Resolve(ctx context.Context, token string) (*UserInfo, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}

	expiresAt := claims.ExpiresAt.Time
	return &UserInfo{
		ID:        claims.Subject,
		Username:  claims.Username,
		Roles:     claims.Roles,
		ExpiresAt: &expiresAt,
	}, nil
}

// Authorize checks the token's roles against the RBAC policy
func (p *JWTProvider) Authorize(ctx context.Context, credentials, operation, resource string) bool {
	user, err := p.Resolve(ctx, credentials)
	if err != nil {
		return false
	}
	return p.rbac.Allowed(user.Roles, operation, resource)
}

// ValidateToken reports whether the token verifies and has not been revoked
func (p *JWTProvider) ValidateToken(ctx context.Context, token string) bool {
	_, err := p.parse(token)
	return err == nil
}

// RefreshToken re-signs a still-valid token with a fresh lifetime and revokes the old one
func (p *JWTProvider) RefreshToken(ctx context.Context, token string) string {
	claims, err := p.parse(token)
	if err != nil {
		return ""
	}

	fresh, _, err := p.Generate(claims.Subject, claims.Username, claims.Roles)
	if err != nil {
		return ""
	}
	p.revoke(claims)
	return fresh
}

// Logout revokes the token until its expiry
func (p *JWTProvider) Logout(ctx context.Context, credentials string) bool {
	claims, err := p.parse(credentials)
	if err != nil || claims.ID == "" {
		return false
	}
	p.revoke(claims)
	return true
}

func (p *JWTProvider) parse(token string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewAuthError(ErrTokenExpired, "token has expired")
		}
		return nil, NewAuthError(ErrTokenInvalid, "invalid token").WithDetail("error", err.Error())
	}
	if !parsed.Valid {
		return nil, NewAuthError(ErrTokenInvalid, "invalid token")
	}
	if claims.Subject == "" {
		return nil, NewAuthError(ErrTokenInvalid, "missing required claim: sub")
	}

	p.mu.Lock()
	_, revoked := p.revoked[claims.ID]
	p.mu.Unlock()
	if revoked {
		return nil, NewAuthError(ErrTokenRevoked, "token has been revoked")
	}
	return claims, nil
}

func (p *JWTProvider) revoke(claims *Claims) {
	if claims.ID == "" {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, until := range p.revoked {
		if now.After(until) {
			delete(p.revoked, id)
		}
	}
	p.revoked[claims.ID] = claims.ExpiresAt.Time
}
