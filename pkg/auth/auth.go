// Package auth provides pluggable authentication and authorization for the tool server.
// Providers receive the opaque credential string a transport attached to a connection
// and decide whether it identifies a principal; authorization is delegated to an RBAC
// policy keyed by the principal's roles.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
)

// Authentication scheme identifiers
const (
	SchemeBearer = config.SchemeBearer
	SchemeAPIKey = config.SchemeAPIKey
	SchemeJWT    = config.SchemeJWT
)

// Provider is the authentication contract used by the message processor.
//
// Authenticate is the only method allowed to create session state. Authorize must be
// side-effect free and cheap enough to call on every request. Providers that cannot
// refresh credentials return an empty string from RefreshToken.
type Provider interface {
	// Authenticate reports whether the credentials identify a known principal.
	// A non-nil error means the provider itself failed, not that the credentials were rejected.
	Authenticate(ctx context.Context, credentials string, client ClientInfo) (bool, error)

	// Authorize reports whether the principal may perform operation on resource.
	// resource may be empty.
	Authorize(ctx context.Context, credentials, operation, resource string) bool

	// ValidateToken reports whether the token is currently valid
	ValidateToken(ctx context.Context, token string) bool

	// RefreshToken exchanges a token for a new one, or returns "" when unsupported or invalid
	RefreshToken(ctx context.Context, token string) string

	// Scheme returns the authentication scheme name
	Scheme() string

	// Logout invalidates the credentials and reports whether anything was invalidated
	Logout(ctx context.Context, credentials string) bool
}

// Initializer is implemented by providers that need setup before the server accepts connections
type Initializer interface {
	Initialize(ctx context.Context) error
}

// ClientInfo describes the connection presenting credentials
type ClientInfo struct {
	ConnectionID  string
	RemoteAddress string
	RemotePort    int
	UserAgent     string
}

// UserInfo represents an authenticated principal
type UserInfo struct {
	// ID is the unique principal identifier
	ID string `json:"id"`

	// Username is the login name, if any
	Username string `json:"username,omitempty"`

	// Roles drive RBAC decisions
	Roles []string `json:"roles,omitempty"`

	// ExpiresAt indicates when the credentials stop being valid
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// TokenResult is returned when a provider issues credentials
type TokenResult struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    int64     `json:"expiresIn"`
	IssuedAt     time.Time `json:"issuedAt"`
	User         *UserInfo `json:"user"`
}

// TokenIssuer is implemented by providers that exchange a username and password for a token
type TokenIssuer interface {
	IssueToken(ctx context.Context, username, password string) (*TokenResult, error)
}

// Cleaner is implemented by providers that keep credential state needing periodic cleanup
type Cleaner interface {
	// CleanupExpired drops revoked and expired credentials and returns how many were dropped
	CleanupExpired() int
}

// Resolver is implemented by providers that can map credentials back to a principal
type Resolver interface {
	Resolve(ctx context.Context, credentials string) (*UserInfo, error)
}

// AuthError represents authentication and authorization failures
type AuthError struct {
	// Code is the error code (e.g., "invalid_credentials", "token_expired")
	Code string

	// Message provides human-readable error details
	Message string

	// Details contains additional error context
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return e.Message
}

// Common authentication error codes
const (
	ErrInvalidCredentials = "invalid_credentials"
	ErrTokenExpired       = "token_expired"
	ErrTokenInvalid       = "token_invalid"
	ErrTokenRevoked       = "token_revoked"
	ErrAccessDenied       = "access_denied"
	ErrAuthRequired       = "authentication_required"
)

// NewAuthError creates a new authentication error.
func NewAuthError(code, message string) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a detail to the authentication error.
func (e *AuthError) WithDetail(key string, value interface{}) *AuthError {
	e.Details[key] = value
	return e
}

// IsAuthError reports whether err is an AuthError with the given code
func IsAuthError(err error, code string) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Code == code
}

type contextKey string

const userInfoKey contextKey = "auth.user"

// ContextWithUserInfo adds the authenticated principal to the context
func ContextWithUserInfo(ctx context.Context, user *UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey, user)
}

// UserInfoFromContext extracts the authenticated principal from the context
func UserInfoFromContext(ctx context.Context) (*UserInfo, bool) {
	user, ok := ctx.Value(userInfoKey).(*UserInfo)
	return user, ok && user != nil
}

// isRejection reports whether err refuses the credentials rather than signalling a provider failure
func isRejection(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
