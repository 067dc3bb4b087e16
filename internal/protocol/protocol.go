// Package protocol defines the JSON frame schema shared by every transport:
// client commands, server responses, session events, and lifecycle
// broadcasts. Both the WebSocket and stdio transports carry these frames
// unchanged; only the framing differs.
package protocol

import "encoding/json"

// ProtocolVersion is advertised in the server_ready frame.
const ProtocolVersion = "1.0.0"

// AnonPrefix is the reserved prefix for server-minted command identifiers.
// Clients may not supply ids with this prefix.
const AnonPrefix = "anon:"

// MaxDependsOn is the maximum number of dependency ids per command.
const MaxDependsOn = 32

// MaxIDLen bounds client-supplied identifiers (command ids, session ids,
// idempotency keys).
const MaxIDLen = 256

// MaxPathLen bounds path-bearing fields such as workingDir.
const MaxPathLen = 4096

// Command is a client request frame. The envelope fields (Type, ID,
// SessionID, DependsOn, IdempotencyKey, IfSessionVersion) are common to all
// commands; the remaining fields are type-specific payload and are only
// meaningful for the command types that declare them.
type Command struct {
	Type             string   `json:"type"`
	ID               string   `json:"id,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	IfSessionVersion *int64   `json:"ifSessionVersion,omitempty"`

	// Payload fields.
	Text          string `json:"text,omitempty"`          // prompt, steer, follow_up
	WorkingDir    string `json:"workingDir,omitempty"`    // create_session, load_session
	Model         string `json:"model,omitempty"`         // create_session, set_model
	ThinkingLevel string `json:"thinkingLevel,omitempty"` // set_thinking_level
	Enabled       *bool  `json:"enabled,omitempty"`       // set_auto_compaction, set_auto_retry
	Command       string `json:"command,omitempty"`       // bash
	Name          string `json:"name,omitempty"`          // set_session_name, fork
	Path          string `json:"path,omitempty"`          // switch_session_file
	RequestID     string `json:"requestId,omitempty"`     // extension_ui_response
	Value         any    `json:"value,omitempty"`         // extension_ui_response

	// Raw is the encoded frame as received from the transport, retained so
	// that fingerprinting sees every field the client sent, including ones
	// this struct does not model. Never serialized back out.
	Raw json.RawMessage `json:"-"`
}

// Response is the server reply frame for a command. Responses are immutable
// once observed by any client; replays return a copy with only the ID
// adjusted to match the current request.
type Response struct {
	Type           string `json:"type"` // always "response"
	Command        string `json:"command"`
	ID             string `json:"id,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Data           any    `json:"data,omitempty"`
	SessionVersion *int64 `json:"sessionVersion,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
}

// OK builds a successful response for a command.
func OK(cmd *Command, data any) *Response {
	return &Response{
		Type:    "response",
		Command: cmd.Type,
		ID:      cmd.ID,
		Success: true,
		Data:    data,
	}
}

// Fail builds a failure response for a command.
func Fail(cmd *Command, errMsg string) *Response {
	return &Response{
		Type:    "response",
		Command: cmd.Type,
		ID:      cmd.ID,
		Success: false,
		Error:   errMsg,
	}
}

// FailType builds a failure response when only the command type is known
// (e.g. replay conflicts detected before dispatch).
func FailType(cmdType, id, errMsg string) *Response {
	return &Response{
		Type:    "response",
		Command: cmdType,
		ID:      id,
		Success: false,
		Error:   errMsg,
	}
}

// Clone returns a shallow copy of the response. Data payloads are shared;
// they are treated as immutable once stored.
func (r *Response) Clone() *Response {
	cp := *r
	return &cp
}

// WithID returns a copy of the response whose id matches the given request
// id (set when present, stripped when absent) and which carries the
// replayed flag. Used by the replay store so duplicate submissions see
// their own identifier on a byte-identical body.
func (r *Response) WithID(id string) *Response {
	cp := r.Clone()
	cp.ID = id
	cp.Replayed = true
	return cp
}

// Event is the passthrough frame for the agent session's own event stream.
type Event struct {
	Type      string `json:"type"` // always "event"
	SessionID string `json:"sessionId"`
	Event     any    `json:"event"`
}

// LifecycleData is the payload of command_accepted / command_started /
// command_finished broadcasts.
type LifecycleData struct {
	CommandID        string   `json:"commandId"`
	CommandType      string   `json:"commandType"`
	SessionID        string   `json:"sessionId,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	IfSessionVersion *int64   `json:"ifSessionVersion,omitempty"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	Success          *bool    `json:"success,omitempty"`
	Error            string   `json:"error,omitempty"`
	SessionVersion   *int64   `json:"sessionVersion,omitempty"`
	Replayed         bool     `json:"replayed,omitempty"`
	TimedOut         bool     `json:"timedOut,omitempty"`
}

// Lifecycle is a command lifecycle broadcast frame.
type Lifecycle struct {
	Type string        `json:"type"` // command_accepted | command_started | command_finished
	Data LifecycleData `json:"data"`
}

// ServerReady is broadcast when the server starts and sent to each newly
// attached connection.
type ServerReady struct {
	Type            string   `json:"type"` // "server_ready"
	Version         string   `json:"version"`
	ProtocolVersion string   `json:"protocolVersion"`
	Transports      []string `json:"transports"`
}

// Notification is a minimal broadcast frame for server_shutdown,
// session_created, and session_deleted.
type Notification struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// UIRequest is a server-initiated extension UI prompt addressed to the
// subscribers of a session. The client answers with an
// extension_ui_response command carrying the same requestId.
type UIRequest struct {
	Type      string `json:"type"` // "extension_ui_request"
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Method    string `json:"method"` // select | confirm | input | editor | notify | status | widget | title
	Data      any    `json:"data,omitempty"`
}

// ParseCommand decodes a command frame, retaining the raw bytes for
// fingerprinting. It does not validate; see Validate.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	cmd.Raw = raw
	return &cmd, nil
}

// ParseErrorResponse is the structured reply for frames that fail to decode.
func ParseErrorResponse(errMsg string) *Response {
	return &Response{
		Type:    "response",
		Command: "unknown",
		Success: false,
		Error:   "parse error: " + errMsg,
	}
}
