package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Account is a static username/password principal
type Account struct {
	Username string
	Password string
	Roles    []string
}

// BearerTokenProvider issues opaque bearer tokens in exchange for account
// credentials and validates them on later connections.
type BearerTokenProvider struct {
	tokens   map[string]*tokenInfo
	accounts map[string]Account
	mu       sync.RWMutex

	tokenExpiry      time.Duration
	refreshExpiry    time.Duration
	tokenLength      int
	refreshable      bool
	rbac             *RBAC
	validateCallback TokenValidationCallback
}

// tokenInfo stores token metadata
type tokenInfo struct {
	Token        string
	RefreshToken string
	UserInfo     *UserInfo
	IssuedAt     time.Time
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	LastClient   ClientInfo
	Revoked      bool
}

// TokenValidationCallback allows external token validation
type TokenValidationCallback func(ctx context.Context, token string) (*UserInfo, error)

// BearerTokenConfig configures the bearer token provider
type BearerTokenConfig struct {
	// TokenExpiry defines access token lifetime (default: 1 hour)
	TokenExpiry time.Duration

	// RefreshExpiry defines refresh token lifetime (default: 7 days)
	RefreshExpiry time.Duration

	// TokenLength in bytes (default: 32)
	TokenLength int

	// Refreshable indicates if refresh tokens should be issued
	Refreshable bool

	// Accounts that may obtain tokens
	Accounts []Account

	// RBAC policy used by Authorize (default: NewRBAC(RoleUser))
	RBAC *RBAC

	// ValidationCallback replaces the internal token store for validation
	ValidationCallback TokenValidationCallback
}

var (
	_ Provider    = (*BearerTokenProvider)(nil)
	_ TokenIssuer = (*BearerTokenProvider)(nil)
	_ Resolver    = (*BearerTokenProvider)(nil)
	_ Cleaner     = (*BearerTokenProvider)(nil)
)

// NewBearerTokenProvider creates a new bearer token authentication provider.
func NewBearerTokenProvider(config *BearerTokenConfig) *BearerTokenProvider {
	if config == nil {
		config = &BearerTokenConfig{}
	}

	p := &BearerTokenProvider{
		tokens:           make(map[string]*tokenInfo),
		accounts:         make(map[string]Account, len(config.Accounts)),
		tokenExpiry:      config.TokenExpiry,
		refreshExpiry:    config.RefreshExpiry,
		tokenLength:      config.TokenLength,
		refreshable:      config.Refreshable,
		rbac:             config.RBAC,
		validateCallback: config.ValidationCallback,
	}

	if p.tokenExpiry == 0 {
		p.tokenExpiry = time.Hour
	}
	if p.refreshExpiry == 0 {
		p.refreshExpiry = 7 * 24 * time.Hour
	}
	if p.tokenLength == 0 {
		p.tokenLength = 32
	}
	if p.rbac == nil {
		p.rbac = NewRBAC(RoleUser)
	}
	for _, a := range config.Accounts {
		p.accounts[a.Username] = a
	}
	return p
}

// Scheme returns the authentication scheme name.
func (p *BearerTokenProvider) Scheme() string {
	return SchemeBearer
}

// IssueToken validates account credentials and issues a new access token
func (p *BearerTokenProvider) IssueToken(ctx context.Context, username, password string) (*TokenResult, error) {
	if username == "" || password == "" {
		return nil, NewAuthError(ErrInvalidCredentials, "username and password required")
	}

	p.mu.RLock()
	account, exists := p.accounts[username]
	p.mu.RUnlock()

	// compare even for unknown users so timing does not reveal which usernames exist
	match := subtle.ConstantTimeCompare([]byte(account.Password), []byte(password)) == 1
	if !exists || !match {
		return nil, NewAuthError(ErrInvalidCredentials, "invalid username or password")
	}

	accessToken, err := p.generateToken()
	if err != nil {
		return nil, err
	}

	var refreshToken string
	if p.refreshable {
		if refreshToken, err = p.generateToken(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	expiresAt := now.Add(p.tokenExpiry)
	user := &UserInfo{
		ID:        fmt.Sprintf("user-%s", username),
		Username:  username,
		Roles:     append([]string(nil), account.Roles...),
		ExpiresAt: &expiresAt,
	}

	info := &tokenInfo{
		Token:        accessToken,
		RefreshToken: refreshToken,
		UserInfo:     user,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
	}

	p.mu.Lock()
	p.tokens[accessToken] = info
	if refreshToken != "" {
		p.tokens[refreshToken] = info
	}
	p.mu.Unlock()

	return &TokenResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.tokenExpiry.Seconds()),
		IssuedAt:     now,
		User:         user,
	}, nil
}

// Authenticate accepts a valid access token and records the client that presented it
func (p *BearerTokenProvider) Authenticate(ctx context.Context, credentials string, client ClientInfo) (bool, error) {
	if credentials == "" {
		return false, nil
	}

	if _, err := p.Resolve(ctx, credentials); err != nil {
		if isRejection(err) {
			return false, nil
		}
		return false, err
	}

	p.mu.Lock()
	if info, ok := p.tokens[credentials]; ok {
		info.LastUsedAt = time.Now()
		info.LastClient = client
	}
	p.mu.Unlock()

	return true, nil
}

// Resolve verifies an access token and returns the principal it was issued to
func (p *BearerTokenProvider) Resolve(ctx context.Context, token string) (*UserInfo, error) {
	if p.validateCallback != nil {
		return p.validateCallback(ctx, token)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	info, exists := p.tokens[token]
	if !exists || info.Token != token {
		return nil, NewAuthError(ErrTokenInvalid, "token not found")
	}
	if info.Revoked {
		return nil, NewAuthError(ErrTokenRevoked, "token has been revoked")
	}
	if time.Now().After(info.ExpiresAt) {
		return nil, NewAuthError(ErrTokenExpired, "token has expired")
	}
	return info.UserInfo, nil
}

// Authorize checks the token holder's roles against the RBAC policy
func (p *BearerTokenProvider) Authorize(ctx context.Context, credentials, operation, resource string) bool {
	user, err := p.Resolve(ctx, credentials)
	if err != nil {
		return false
	}
	return p.rbac.Allowed(user.Roles, operation, resource)
}

// ValidateToken reports whether the access token is currently valid
func (p *BearerTokenProvider) ValidateToken(ctx context.Context, token string) bool {
	_, err := p.Resolve(ctx, token)
	return err == nil
}

// RefreshToken exchanges a refresh token for a new access token. The previous
// access token is revoked. Returns "" when refresh is disabled or the token is unusable.
func (p *BearerTokenProvider) RefreshToken(ctx context.Context, refreshToken string) string {
	if !p.refreshable || refreshToken == "" {
		return ""
	}

	newAccessToken, err := p.generateToken()
	if err != nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.tokens[refreshToken]
	if !exists || info.RefreshToken != refreshToken || info.Revoked {
		return ""
	}
	if time.Now().After(info.IssuedAt.Add(p.refreshExpiry)) {
		return ""
	}

	now := time.Now()
	expiresAt := now.Add(p.tokenExpiry)
	user := *info.UserInfo
	user.ExpiresAt = &expiresAt

	if old, ok := p.tokens[info.Token]; ok && old == info {
		delete(p.tokens, info.Token)
	}

	info.Token = newAccessToken
	info.UserInfo = &user
	info.ExpiresAt = expiresAt
	p.tokens[newAccessToken] = info

	return newAccessToken
}

// Logout revokes the token together with its refresh token
func (p *BearerTokenProvider) Logout(ctx context.Context, credentials string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.tokens[credentials]
	if !exists || info.Revoked {
		return false
	}
	info.Revoked = true
	return true
}

// CleanupExpired removes revoked tokens and tokens past their refresh window
func (p *BearerTokenProvider) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, info := range p.tokens {
		if info.Revoked || now.After(info.ExpiresAt.Add(p.refreshExpiry)) {
			delete(p.tokens, token)
			removed++
		}
	}
	return removed
}

// generateToken creates a cryptographically secure random token.
func (p *BearerTokenProvider) generateToken() (string, error) {
	buf := make([]byte, p.tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", NewAuthError(ErrTokenInvalid, "failed to generate token").
			WithDetail("error", err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
