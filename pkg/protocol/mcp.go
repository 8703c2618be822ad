package protocol

const (
	// LatestProtocolVersion is offered when the client asks for a revision we do not speak
	LatestProtocolVersion = "2025-06-18"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"

	// Methods for tools
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"

	// Methods for utilities
	MethodPing = "ping"
)

// supportedProtocolVersions lists every protocol revision the server accepts
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// IsSupportedVersion reports whether the given protocol revision is accepted
func IsSupportedVersion(version string) bool {
	return supportedProtocolVersions[version]
}

// NegotiateVersion returns the requested revision when supported, otherwise the latest one
func NegotiateVersion(requested string) string {
	if IsSupportedVersion(requested) {
		return requested
	}
	return LatestProtocolVersion
}

// BuiltinMethods returns the method names the processor answers itself
func BuiltinMethods() []string {
	return []string{MethodInitialize, MethodInitialized, MethodPing, MethodListTools, MethodCallTool}
}

// IsBuiltinMethod reports whether a method is answered by the processor itself
func IsBuiltinMethod(method string) bool {
	for _, m := range BuiltinMethods() {
		if m == method {
			return true
		}
	}
	return false
}

// Implementation identifies a client or server program
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      *Implementation        `json:"clientInfo,omitempty"`
}

// ToolsCapability describes the server's tools support
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the capability descriptor returned from initialize
type ServerCapabilities struct {
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}
