package transport

import "strings"

// DefaultAllowedOrigins admits browser pages served from the local machine
var DefaultAllowedOrigins = []string{"http://localhost", "https://localhost"}

var localhostOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"http://[::1]",
	"https://[::1]",
}

// originPolicy validates the Origin header to block DNS rebinding from browsers.
// Requests without an Origin header come from non-browser clients and pass.
type originPolicy struct {
	allowed []string
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range p.allowed {
		if allowed == "*" || allowed == origin {
			return true
		}
		if isLocalhostPattern(allowed) && isLocalhostOrigin(origin) {
			return true
		}
	}
	return false
}

func isLocalhostPattern(allowed string) bool {
	for _, pattern := range localhostOrigins {
		if allowed == pattern {
			return true
		}
	}
	return false
}

// isLocalhostOrigin matches any localhost form, with or without a port
func isLocalhostOrigin(origin string) bool {
	for _, pattern := range localhostOrigins {
		if origin == pattern || strings.HasPrefix(origin, pattern+":") {
			return true
		}
	}
	return false
}
