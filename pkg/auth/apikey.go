package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// APIKeyProvider implements API key authentication.
// API keys are long-lived credentials used for service-to-service access.
type APIKeyProvider struct {
	keys []*apiKeyInfo
	mu   sync.RWMutex

	keyPrefix        string
	keyLength        int
	rbac             *RBAC
	validateCallback APIKeyValidationCallback
}

// apiKeyInfo stores API key metadata
type apiKeyInfo struct {
	Key         string
	UserInfo    *UserInfo
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   *time.Time
	Revoked     bool
	Description string
}

// APIKeyValidationCallback allows custom API key validation
type APIKeyValidationCallback func(ctx context.Context, apiKey string) (*UserInfo, error)

// APIKey is a pre-shared key loaded from configuration
type APIKey struct {
	Key    string
	UserID string
	Roles  []string
}

// APIKeyConfig configures the API key provider
type APIKeyConfig struct {
	// KeyPrefix added to generated keys (default: "mcp_"). Configured keys need not carry it.
	KeyPrefix string

	// KeyLength in bytes (default: 32)
	KeyLength int

	// Keys accepted from the start
	Keys []APIKey

	// RBAC policy used by Authorize (default: NewRBAC(RoleService))
	RBAC *RBAC

	// ValidationCallback for external key validation
	ValidationCallback APIKeyValidationCallback
}

var (
	_ Provider = (*APIKeyProvider)(nil)
	_ Resolver = (*APIKeyProvider)(nil)
	_ Cleaner  = (*APIKeyProvider)(nil)
)

// NewAPIKeyProvider creates a new API key authentication provider.
func NewAPIKeyProvider(config *APIKeyConfig) *APIKeyProvider {
	if config == nil {
		config = &APIKeyConfig{}
	}

	p := &APIKeyProvider{
		keyPrefix:        config.KeyPrefix,
		keyLength:        config.KeyLength,
		rbac:             config.RBAC,
		validateCallback: config.ValidationCallback,
	}
	if p.keyPrefix == "" {
		p.keyPrefix = "mcp_"
	}
	if p.keyLength == 0 {
		p.keyLength = 32
	}
	if p.rbac == nil {
		p.rbac = NewRBAC(RoleService)
	}

	now := time.Now()
	for _, k := range config.Keys {
		p.keys = append(p.keys, &apiKeyInfo{
			Key:       strings.TrimSpace(k.Key),
			UserInfo:  &UserInfo{ID: k.UserID, Roles: append([]string(nil), k.Roles...)},
			CreatedAt: now,
		})
	}
	return p
}

// Scheme returns the authentication scheme name.
func (p *APIKeyProvider) Scheme() string {
	return SchemeAPIKey
}

// Authenticate accepts a known, unexpired, unrevoked key and stamps its last use
func (p *APIKeyProvider) Authenticate(ctx context.Context, credentials string, client ClientInfo) (bool, error) {
	if strings.TrimSpace(credentials) == "" {
		return false, nil
	}

	if _, err := p.Resolve(ctx, credentials); err != nil {
		if isRejection(err) {
			return false, nil
		}
		return false, err
	}

	p.mu.Lock()
	if info := p.lookupLocked(strings.TrimSpace(credentials)); info != nil {
		info.LastUsedAt = time.Now()
	}
	p.mu.Unlock()

	return true, nil
}

// Resolve verifies an API key and returns the principal it belongs to.
func (p *APIKeyProvider) Resolve(ctx context.Context, apiKey string) (*UserInfo, error) {
	if p.validateCallback != nil {
		return p.validateCallback(ctx, apiKey)
	}

	apiKey = strings.TrimSpace(apiKey)

	p.mu.RLock()
	defer p.mu.RUnlock()

	info := p.lookupLocked(apiKey)
	if info == nil {
		return nil, NewAuthError(ErrTokenInvalid, "API key not found")
	}
	if info.Revoked {
		return nil, NewAuthError(ErrTokenRevoked, "API key has been revoked")
	}
	if info.ExpiresAt != nil && time.Now().After(*info.ExpiresAt) {
		return nil, NewAuthError(ErrTokenExpired, "API key has expired")
	}
	return info.UserInfo, nil
}

// Authorize checks the key holder's roles against the RBAC policy
func (p *APIKeyProvider) Authorize(ctx context.Context, credentials, operation, resource string) bool {
	user, err := p.Resolve(ctx, credentials)
	if err != nil {
		return false
	}
	return p.rbac.Allowed(user.Roles, operation, resource)
}

// ValidateToken reports whether the key is currently usable
func (p *APIKeyProvider) ValidateToken(ctx context.Context, token string) bool {
	_, err := p.Resolve(ctx, token)
	return err == nil
}

// RefreshToken is not supported for API keys.
func (p *APIKeyProvider) RefreshToken(ctx context.Context, token string) string {
	return ""
}

// Logout revokes the API key.
func (p *APIKeyProvider) Logout(ctx context.Context, credentials string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := p.lookupLocked(strings.TrimSpace(credentials))
	if info == nil || info.Revoked {
		return false
	}
	info.Revoked = true
	return true
}

// CreateAPIKey generates a new API key for a principal.
func (p *APIKeyProvider) CreateAPIKey(user *UserInfo, description string, expiresAt *time.Time) (string, error) {
	buf := make([]byte, p.keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", NewAuthError(ErrTokenInvalid, "failed to generate API key").
			WithDetail("error", err.Error())
	}

	apiKey := p.keyPrefix + hex.EncodeToString(buf)
	now := time.Now()

	p.mu.Lock()
	p.keys = append(p.keys, &apiKeyInfo{
		Key:         apiKey,
		UserInfo:    user,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   expiresAt,
		Description: description,
	})
	p.mu.Unlock()

	return apiKey, nil
}

// APIKeyInfo represents public API key information (without the actual key).
type APIKeyInfo struct {
	KeyPrefix   string
	Description string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   *time.Time
}

// ListAPIKeys returns the active keys of a principal with the secret part masked.
func (p *APIKeyProvider) ListAPIKeys(userID string) []APIKeyInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []APIKeyInfo
	for _, info := range p.keys {
		if info.UserInfo.ID != userID || info.Revoked {
			continue
		}
		visible := info.Key
		if len(visible) > 8 {
			visible = visible[:8]
		}
		keys = append(keys, APIKeyInfo{
			KeyPrefix:   visible + "...",
			Description: info.Description,
			CreatedAt:   info.CreatedAt,
			LastUsedAt:  info.LastUsedAt,
			ExpiresAt:   info.ExpiresAt,
		})
	}
	return keys
}

// ValidateAPIKeyFormat checks if a string matches the format of generated keys.
func (p *APIKeyProvider) ValidateAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, p.keyPrefix) {
		return false
	}
	return len(apiKey) == len(p.keyPrefix)+p.keyLength*2
}

// CleanupExpired removes revoked and expired keys and returns how many were dropped.
func (p *APIKeyProvider) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.keys[:0]
	for _, info := range p.keys {
		if info.Revoked || (info.ExpiresAt != nil && now.After(*info.ExpiresAt)) {
			continue
		}
		kept = append(kept, info)
	}
	removed := len(p.keys) - len(kept)
	for i := len(kept); i < len(p.keys); i++ {
		p.keys[i] = nil
	}
	p.keys = kept
	return removed
}

// lookupLocked scans every key with constant-time comparison; caller holds the lock
func (p *APIKeyProvider) lookupLocked(apiKey string) *apiKeyInfo {
	var found *apiKeyInfo
	for _, info := range p.keys {
		if CompareAPIKeys(info.Key, apiKey) && found == nil {
			found = info
		}
	}
	return found
}

// CompareAPIKeys performs constant-time comparison of API keys.
func CompareAPIKeys(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
