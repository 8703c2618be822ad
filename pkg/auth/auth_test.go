package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
)

var client = auth.ClientInfo{ConnectionID: "conn-1", RemoteAddress: "127.0.0.1"}

func TestBearerTokenProvider(t *testing.T) {
	ctx := context.Background()
	provider := auth.NewBearerTokenProvider(&auth.BearerTokenConfig{
		TokenExpiry:   time.Hour,
		RefreshExpiry: 24 * time.Hour,
		Refreshable:   true,
		Accounts:      []auth.Account{{Username: "alice", Password: "wonderland", Roles: []string{auth.RoleUser}}},
	})
	assert.Equal(t, "bearer", provider.Scheme())

	_, err := provider.IssueToken(ctx, "alice", "wrong")
	assert.True(t, auth.IsAuthError(err, auth.ErrInvalidCredentials))
	_, err = provider.IssueToken(ctx, "bob", "wonderland")
	assert.True(t, auth.IsAuthError(err, auth.ErrInvalidCredentials))

	result, err := provider.IssueToken(ctx, "alice", "wonderland")
	require.NoError(t, err)
	require.NotEmpty(t, result.AccessToken)
	require.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, "Bearer", result.TokenType)
	assert.Equal(t, "alice", result.User.Username)

	ok, err := provider.Authenticate(ctx, result.AccessToken, client)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, provider.ValidateToken(ctx, result.AccessToken))

	// the refresh token is not an access token
	ok, err = provider.Authenticate(ctx, result.RefreshToken, client)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = provider.Authenticate(ctx, "garbage", client)
	require.NoError(t, err)
	assert.False(t, ok)

	refreshed := provider.RefreshToken(ctx, result.RefreshToken)
	require.NotEmpty(t, refreshed)
	assert.NotEqual(t, result.AccessToken, refreshed)
	assert.False(t, provider.ValidateToken(ctx, result.AccessToken))
	assert.True(t, provider.ValidateToken(ctx, refreshed))
	assert.Empty(t, provider.RefreshToken(ctx, "unknown"))

	assert.True(t, provider.Logout(ctx, refreshed))
	assert.False(t, provider.Logout(ctx, refreshed))
	assert.False(t, provider.ValidateToken(ctx, refreshed))
	assert.Empty(t, provider.RefreshToken(ctx, result.RefreshToken))

	assert.Equal(t, 2, provider.CleanupExpired())
}

func TestBearerTokenExpiry(t *testing.T) {
	ctx := context.Background()
	provider := auth.NewBearerTokenProvider(&auth.BearerTokenConfig{
		TokenExpiry: time.Millisecond,
		Accounts:    []auth.Account{{Username: "alice", Password: "pw"}},
	})

	result, err := provider.IssueToken(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Empty(t, result.RefreshToken)

	time.Sleep(5 * time.Millisecond)
	_, err = provider.Resolve(ctx, result.AccessToken)
	assert.True(t, auth.IsAuthError(err, auth.ErrTokenExpired))
	assert.Empty(t, provider.RefreshToken(ctx, result.AccessToken))
}

func TestBearerValidationCallback(t *testing.T) {
	ctx := context.Background()
	provider := auth.NewBearerTokenProvider(&auth.BearerTokenConfig{
		ValidationCallback: func(ctx context.Context, token string) (*auth.UserInfo, error) {
			switch token {
			case "good":
				return &auth.UserInfo{ID: "svc", Roles: []string{auth.RoleAdmin}}, nil
			case "down":
				return nil, errors.New("directory unavailable")
			}
			return nil, auth.NewAuthError(auth.ErrTokenInvalid, "unknown token")
		},
	})

	ok, err := provider.Authenticate(ctx, "good", client)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, provider.Authorize(ctx, "good", "custom/method", ""))

	ok, err = provider.Authenticate(ctx, "bad", client)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = provider.Authenticate(ctx, "down", client)
	assert.Error(t, err, "provider failures surface as errors")
}

func TestAPIKeyProvider(t *testing.T) {
	ctx := context.Background()
	provider := auth.NewAPIKeyProvider(&auth.APIKeyConfig{
		KeyPrefix: "test_",
		KeyLength: 16,
		Keys:      []auth.APIKey{{Key: "static-key", UserID: "ci", Roles: []string{auth.RoleGuest}}},
	})
	assert.Equal(t, "apikey", provider.Scheme())

	ok, err := provider.Authenticate(ctx, "static-key", client)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, provider.Authorize(ctx, "static-key", "tools/list", ""))
	assert.False(t, provider.Authorize(ctx, "static-key", "tools/call", "echo"))

	apiKey, err := provider.CreateAPIKey(&auth.UserInfo{ID: "user-123", Roles: []string{auth.RoleService}}, "Test key", nil)
	require.NoError(t, err)
	assert.True(t, provider.ValidateAPIKeyFormat(apiKey))
	assert.False(t, provider.ValidateAPIKeyFormat("static-key"))

	user, err := provider.Resolve(ctx, "  "+apiKey+"\n")
	require.NoError(t, err)
	assert.Equal(t, "user-123", user.ID)
	assert.True(t, provider.Authorize(ctx, apiKey, "tools/call", "echo"))

	keys := provider.ListAPIKeys("user-123")
	require.Len(t, keys, 1)
	assert.Equal(t, "Test key", keys[0].Description)
	assert.NotContains(t, keys[0].KeyPrefix, apiKey)

	assert.Empty(t, provider.RefreshToken(ctx, apiKey))

	assert.True(t, provider.Logout(ctx, apiKey))
	assert.False(t, provider.ValidateToken(ctx, apiKey))
	assert.Empty(t, provider.ListAPIKeys("user-123"))

	expired := time.Now().Add(-time.Minute)
	old, err := provider.CreateAPIKey(&auth.UserInfo{ID: "old"}, "expired", &expired)
	require.NoError(t, err)
	_, err = provider.Resolve(ctx, old)
	assert.True(t, auth.IsAuthError(err, auth.ErrTokenExpired))

	assert.Equal(t, 2, provider.CleanupExpired())
	assert.True(t, provider.ValidateToken(ctx, "static-key"))
}

func TestJWTProvider(t *testing.T) {
	ctx := context.Background()
	provider := auth.NewJWTProvider(auth.JWTConfig{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "mcp-toolserver",
		Accounts: []auth.Account{{Username: "alice", Password: "pw", Roles: []string{auth.RoleUser}}},
	})
	require.NoError(t, provider.Initialize(ctx))
	assert.Equal(t, "jwt", provider.Scheme())

	result, err := provider.IssueToken(ctx, "alice", "pw")
	require.NoError(t, err)

	ok, err := provider.Authenticate(ctx, result.AccessToken, client)
	require.NoError(t, err)
	assert.True(t, ok)

	user, err := provider.Resolve(ctx, result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-alice", user.ID)
	assert.Equal(t, []string{auth.RoleUser}, user.Roles)

	assert.True(t, provider.Authorize(ctx, result.AccessToken, "tools/call", "echo"))
	assert.False(t, provider.Authorize(ctx, result.AccessToken, "admin/reload", ""))

	refreshed := provider.RefreshToken(ctx, result.AccessToken)
	require.NotEmpty(t, refreshed)
	assert.False(t, provider.ValidateToken(ctx, result.AccessToken), "refresh revokes the old token")
	assert.True(t, provider.ValidateToken(ctx, refreshed))

	assert.True(t, provider.Logout(ctx, refreshed))
	assert.False(t, provider.ValidateToken(ctx, refreshed))
}

func TestJWTProviderRejectsForeignTokens(t *testing.T) {
	ctx := context.Background()
	secret := []byte("0123456789abcdef0123456789abcdef")
	provider := auth.NewJWTProvider(auth.JWTConfig{Secret: secret, Issuer: "mcp-toolserver"})

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "x", "iss": "mcp-toolserver", "exp": exp})},
		{"wrong issuer", sign(jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "x", "iss": "someone", "exp": exp})},
		{"no expiry", sign(jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "x", "iss": "mcp-toolserver"})},
		{"no subject", sign(jwt.SigningMethodHS256, secret, jwt.MapClaims{"iss": "mcp-toolserver", "exp": exp})},
		{"hs512", sign(jwt.SigningMethodHS512, secret, jwt.MapClaims{"sub": "x", "iss": "mcp-toolserver", "exp": exp})},
		{"not a jwt", "abc.def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := provider.Authenticate(ctx, tt.token, client)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	expired := sign(jwt.SigningMethodHS256, secret, jwt.MapClaims{"sub": "x", "iss": "mcp-toolserver", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err := provider.Resolve(ctx, expired)
	assert.True(t, auth.IsAuthError(err, auth.ErrTokenExpired))
}

func TestJWTProviderRequiresSecret(t *testing.T) {
	assert.Error(t, auth.NewJWTProvider(auth.JWTConfig{}).Initialize(context.Background()))
}

func TestRBAC(t *testing.T) {
	rbac := auth.NewRBAC(auth.RoleGuest)
	require.NoError(t, rbac.CreateRole("auditor", "Reads audit data", []string{"audit/*"}, []string{auth.RoleGuest}))
	assert.Error(t, rbac.CreateRole("auditor", "", nil, nil))

	tests := []struct {
		name      string
		roles     []string
		operation string
		resource  string
		want      bool
	}{
		{"default role lists", nil, "tools/list", "", true},
		{"default role cannot call", nil, "tools/call", "echo", false},
		{"guest pings", []string{auth.RoleGuest}, "ping", "", true},
		{"guest notifications", []string{auth.RoleGuest}, "notifications/initialized", "", true},
		{"user calls any tool", []string{auth.RoleUser}, "tools/call", "echo", true},
		{"user call without tool", []string{auth.RoleUser}, "tools/call", "", true},
		{"user inherits list", []string{auth.RoleUser}, "tools/list", "", true},
		{"user custom method", []string{auth.RoleUser}, "admin/reload", "", false},
		{"admin anything", []string{auth.RoleAdmin}, "admin/reload", "", true},
		{"service tools", []string{auth.RoleService}, "tools/call", "search", true},
		{"custom role", []string{"auditor"}, "audit/query", "", true},
		{"custom role parent", []string{"auditor"}, "tools/list", "", true},
		{"unknown role", []string{"nobody"}, "ping", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rbac.Allowed(tt.roles, tt.operation, tt.resource))
		})
	}

	require.NoError(t, rbac.Grant(auth.RoleUser, "admin/reload"))
	assert.True(t, rbac.Allowed([]string{auth.RoleUser}, "admin/reload", ""))
	assert.Error(t, rbac.Grant("missing", "x"))

	assert.Error(t, rbac.DeleteRole(auth.RoleGuest))
	require.NoError(t, rbac.DeleteRole("auditor"))
	assert.False(t, rbac.HasRole("auditor"))
}

func TestRBACWithoutDefaultRole(t *testing.T) {
	rbac := auth.NewRBAC("")
	assert.False(t, rbac.Allowed(nil, "ping", ""))
}

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		scheme  string
		wantErr bool
	}{
		{"default bearer", config.AuthConfig{}, auth.SchemeBearer, false},
		{"apikey", config.AuthConfig{Scheme: config.SchemeAPIKey, APIKeys: []config.APIKeyConfig{{Key: "k", UserID: "u"}}}, auth.SchemeAPIKey, false},
		{"jwt", config.AuthConfig{Scheme: config.SchemeJWT, JWTSecret: "s"}, auth.SchemeJWT, false},
		{"jwt without secret", config.AuthConfig{Scheme: config.SchemeJWT}, "", true},
		{"unknown", config.AuthConfig{Scheme: "kerberos"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := auth.NewFromConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, provider.Scheme())
		})
	}

	provider, err := auth.NewFromConfig(config.AuthConfig{
		Scheme:  config.SchemeAPIKey,
		APIKeys: []config.APIKeyConfig{{Key: "k", UserID: "u", Roles: []string{auth.RoleService}}},
	})
	require.NoError(t, err)
	assert.True(t, provider.ValidateToken(context.Background(), "k"))
}

func TestUserInfoContext(t *testing.T) {
	ctx := auth.ContextWithUserInfo(context.Background(), &auth.UserInfo{ID: "user-123"})
	user, ok := auth.UserInfoFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-123", user.ID)

	_, ok = auth.UserInfoFromContext(context.Background())
	assert.False(t, ok)
}

func TestAuthErrors(t *testing.T) {
	err := auth.NewAuthError(auth.ErrTokenExpired, "Token has expired").
		WithDetail("expired_at", "2024-01-01T00:00:00Z").
		WithDetail("token_id", "123")

	assert.Len(t, err.Details, 2)
	assert.Equal(t, "Token has expired", err.Error())
	assert.True(t, auth.IsAuthError(err, auth.ErrTokenExpired))
	assert.False(t, auth.IsAuthError(errors.New("plain"), auth.ErrTokenExpired))
}
