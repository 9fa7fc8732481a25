package omcp

import (
	"encoding/json"
	"fmt"
)

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged with a tool provider.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: ID and Method are set
//   - Notification: Method is set, ID is absent
//   - Response: ID is set, Method is absent, and either Result or Error is set
//
// Absent fields are omitted from the encoded form rather than emitted as null.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID correlates a request with its response
	ID *uint64 `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the named parameters of the method call
	Params map[string]any `json:"params,omitempty"`
	// Result contains the successful response data
	Result map[string]any `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred. Standard JSON-RPC codes are negative,
	// codes synthesized by this package are small positive numbers.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`
}

// Info contains metadata about a client or server implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents the capabilities a client declares during initialization.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ServerCapabilities represents the capabilities a server declares in its initialize result.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Tool is the descriptor of a remote capability as returned by tools/list.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema *ToolSchema `json:"inputSchema,omitempty"`
}

// ToolType is the JSON schema type of a tool input or property.
type ToolType string

// ToolSchema is the simplified JSON schema describing a tool input.
type ToolSchema struct {
	Type       ToolType                `json:"type"`
	Properties map[string]ToolProperty `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
	Enum       []string                `json:"enum,omitempty"`
}

// ToolProperty describes one property of a ToolSchema.
type ToolProperty struct {
	Type        ToolType    `json:"type"`
	Description string      `json:"description,omitempty"`
	Items       *ToolSchema `json:"items,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// CallParams contains parameters for executing a specific tool.
type CallParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments holds argument name-value pairs, they must satisfy the tool's InputSchema
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult is the result shape produced by the stdio Server for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content represents a piece of content in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the protocol revision announced in the initialize request.
	ProtocolVersion = "2025-03-26"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodToolsList is the method name of the tool listing request.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name of the tool invocation request.
	MethodToolsCall = "tools/call"

	methodPing                     = "ping"
	methodNotificationsInitialized = "notifications/initialized"

	// ToolTypeObject and friends are the JSON schema types a tool input may use.
	ToolTypeObject   ToolType = "object"
	ToolTypeString   ToolType = "string"
	ToolTypeInteger  ToolType = "integer"
	ToolTypeBoolean  ToolType = "boolean"
	ToolTypeArray    ToolType = "array"
	ToolTypeNumber   ToolType = "number"
	ToolTypeFunction ToolType = "function"

	deserializationFailureCode    = 1
	deserializationFailureMessage = "deserialization failure"

	jsonRPCParseErrorCode     = -32700
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// NewRequest builds a request message with the given id, method and params.
func NewRequest(id uint64, method string, params map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a notification message, a method invocation without an id.
func NewNotification(method string, params map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// NewResult builds a successful response to the request with the given id.
func NewResult(id *uint64, result map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewError builds an error response. The id may be nil when the request could not be
// decoded far enough to know it.
func NewError(id *uint64, code int, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// IsRequest reports whether the message carries both an id and a method.
func (m JSONRPCMessage) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message carries a method but no id.
func (m JSONRPCMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message carries an id but no method.
func (m JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// toParams converts a struct into the generic mapping carried by Params and Result.
func toParams(v any) (map[string]any, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(bs, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return params, nil
}

// fromParams decodes a generic mapping, or a single value inside it, into v.
func fromParams(params any, v any) error {
	bs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return nil
}

func initializeMessage(id uint64, info Info) (JSONRPCMessage, error) {
	params, err := toParams(initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ClientCapabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: &SamplingCapability{},
		},
		ClientInfo: info,
	})
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to build initialize params: %w", err)
	}
	return NewRequest(id, MethodInitialize, params), nil
}

// callArguments builds the tools/call params, arguments are always sent as an object.
func callArguments(params CallParams) map[string]any {
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"name":      params.Name,
		"arguments": args,
	}
}

// toolsFromResult extracts result.tools from a tools/list response.
func toolsFromResult(msg JSONRPCMessage) ([]Tool, error) {
	if msg.Error != nil {
		return nil, fmt.Errorf("result error: %w", msg.Error)
	}
	if msg.Result == nil {
		return nil, fmt.Errorf("%w: tools/list response without result", ErrNotFound)
	}
	raw, ok := msg.Result["tools"]
	if !ok {
		return nil, fmt.Errorf("%w: tools/list result without tools", ErrNotFound)
	}
	var tools []Tool
	if err := fromParams(raw, &tools); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return tools, nil
}

// prettyResult renders the result of a tools/call response.
func prettyResult(msg JSONRPCMessage) (string, error) {
	if msg.Error != nil {
		return "", fmt.Errorf("result error: %w", msg.Error)
	}
	if msg.Result == nil {
		return "", fmt.Errorf("%w: tools/call response without result", ErrNotFound)
	}
	bs, err := json.MarshalIndent(msg.Result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(bs), nil
}
