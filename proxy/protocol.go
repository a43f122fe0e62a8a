package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	JSONRPCVersion     = "2.0"
	MCPProtocolVersion = "2024-11-05"
)

// MCP methods the proxy understands. Everything else is KindOther.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

// JSON-RPC error codes used on the client-facing side.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeNotInitialized     = -32002
	CodeBackendUnavailable = -32003
)

var (
	// ErrMalformed is returned when a line is not valid JSON.
	ErrMalformed = errors.New("malformed JSON-RPC message")
	// ErrInvalidRequest is returned for valid JSON that is not a request or notification.
	ErrInvalidRequest = errors.New("invalid JSON-RPC request")
)

// Kind tags a client message by the method it carries.
type Kind int

const (
	KindOther Kind = iota
	KindInitialize
	KindInitialized
	KindToolsList
	KindToolsCall
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindInitialized:
		return "initialized"
	case KindToolsList:
		return "tools/list"
	case KindToolsCall:
		return "tools/call"
	case KindPing:
		return "ping"
	default:
		return "other"
	}
}

func kindOf(method string) Kind {
	switch method {
	case MethodInitialize:
		return KindInitialize
	case MethodInitialized:
		return KindInitialized
	case MethodToolsList:
		return KindToolsList
	case MethodToolsCall:
		return KindToolsCall
	case MethodPing:
		return KindPing
	default:
		return KindOther
	}
}

// Envelope is the wire shape shared by requests, notifications and responses.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a parsed client line. Raw keeps the exact bytes so that
// forwarding never re-encodes what the client sent.
type Message struct {
	Envelope
	Kind Kind
	Raw  []byte
}

// IsNotification reports whether the message carries no id.
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0
}

// ToolCallParams is the params object of tools/call. Arguments stay opaque.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall decodes the params of a tools/call message.
func (m *Message) ToolCall() (*ToolCallParams, error) {
	if len(m.Params) == 0 {
		return nil, fmt.Errorf("tools/call requires params")
	}
	var params ToolCallParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	if params.Name == "" {
		return nil, fmt.Errorf("tools/call params missing name")
	}
	return &params, nil
}

// ParseMessage decodes one client line. On ErrInvalidRequest the returned
// message is non-nil and carries whatever id could be recovered.
func ParseMessage(line []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	msg := &Message{Envelope: env, Raw: raw, Kind: kindOf(env.Method)}

	if env.Method == "" {
		return msg, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if env.JSONRPC != JSONRPCVersion {
		return msg, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidRequest, JSONRPCVersion)
	}
	if len(env.ID) > 0 && !validID(env.ID) {
		msg.ID = nil
		return msg, fmt.Errorf("%w: id must be a string or number", ErrInvalidRequest)
	}
	return msg, nil
}

func validID(id json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(id, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64, nil:
		return true
	default:
		return false
	}
}

// IDKey normalizes a raw id so equal ids compare equal regardless of spacing.
func IDKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(bytes.TrimSpace(id))
	}
	return buf.String()
}

// NullID is used for errors that cannot be tied to a request.
var NullID = json.RawMessage("null")

// IntID renders a connection-local integer request id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}

func MakeResult(id json.RawMessage, result interface{}) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return json.Marshal(Envelope{JSONRPC: JSONRPCVersion, ID: orNull(id), Result: data})
}

func MakeError(id json.RawMessage, code int, message string, data interface{}) []byte {
	out, err := json.Marshal(Envelope{
		JSONRPC: JSONRPCVersion,
		ID:      orNull(id),
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	})
	if err != nil {
		// data failed to encode; drop it rather than the whole reply
		out, _ = json.Marshal(Envelope{
			JSONRPC: JSONRPCVersion,
			ID:      orNull(id),
			Error:   &JSONRPCError{Code: code, Message: message},
		})
	}
	return out
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

// MakeRequest encodes an outbound request or, with a nil id, a notification.
func MakeRequest(id json.RawMessage, method string, params interface{}) ([]byte, error) {
	env := Envelope{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		env.Params = data
	}
	return json.Marshal(env)
}

// Handshake payloads.

type InitRequestParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type InitResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// NewInitRequest builds the initialize request sent to a backend.
func NewInitRequest(id int64, client ClientInfo) ([]byte, error) {
	return MakeRequest(IntID(id), MethodInitialize, InitRequestParams{
		ProtocolVersion: MCPProtocolVersion,
		Capabilities:    Capabilities{},
		ClientInfo:      client,
	})
}

// NewInitializedNotification builds notifications/initialized.
func NewInitializedNotification() []byte {
	out, _ := MakeRequest(nil, MethodInitialized, nil)
	return out
}

// Response is the subset of a backend reply the proxy inspects.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
}

// HasResult reports whether the result member is present and not null.
func (r *Response) HasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}

// ToolsListResult is the result of tools/list. Tools are kept raw so that
// unknown fields survive aggregation.
type ToolsListResult struct {
	Tools      []json.RawMessage `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}
