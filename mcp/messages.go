package mcp

import "encoding/json"

// Method names the gateway understands.
type Method string

const (
	InitializeMethod Method = "initialize"
	ListToolsMethod  Method = "tools/list"
	CallToolMethod   Method = "tools/call"
	PingMethod       Method = "ping"

	// NotificationsPrefix covers all fire-and-forget notification methods.
	NotificationsPrefix = "notifications/"
)

// InitializeRequest is the handshake request payload.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the handshake response payload.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsResult carries the advertised tool descriptors.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the params payload of a tools/call request.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the tagged outcome of a tool invocation. A failing tool
// never aborts the RPC transaction; failures surface as IsError with
// explanatory content.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
}
