// Package letta is a minimal streaming client for the Letta agent API.
// It covers exactly what the bridge needs: send one combined user
// message to an agent and consume the typed server-sent event stream of
// the run.
package letta

import "encoding/json"

// MessageType discriminates stream events by the server's
// message_type field.
type MessageType string

const (
	TypeReasoning  MessageType = "reasoning_message"
	TypeAssistant  MessageType = "assistant_message"
	TypeToolCall   MessageType = "tool_call_message"
	TypeToolReturn MessageType = "tool_return_message"
	TypeStopReason MessageType = "stop_reason"
	TypeUsage      MessageType = "usage_statistics"
)

// Tool names the agent is contracted to call. Everything else the
// agent does stays inside the backend.
const (
	ToolSendResponse = "send_response"
	ToolSetStatus    = "set_status"
)

// ToolCall is one tool invocation surfaced on the stream. Arguments is
// the raw JSON argument object.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeArguments unmarshals the tool arguments into v. Servers emit
// the arguments either as a JSON object or as a JSON-encoded string
// holding the object; both forms are accepted.
func (tc *ToolCall) DecodeArguments(v any) error {
	raw := tc.Arguments
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}

// SendResponseArgs are the arguments of the send_response tool.
type SendResponseArgs struct {
	Message      string `json:"message"`
	IsResponding bool   `json:"is_responding"`
}

// SetStatusArgs are the arguments of the set_status tool.
type SetStatusArgs struct {
	Status string `json:"status"`
}

// StreamEvent is one event of an agent run.
type StreamEvent struct {
	MessageType MessageType `json:"message_type"`
	Content     string      `json:"content,omitempty"`
	Reasoning   string      `json:"reasoning,omitempty"`
	ToolCall    *ToolCall   `json:"tool_call,omitempty"`
	StopReason  string      `json:"stop_reason,omitempty"`
}

// request bodies

type streamRequest struct {
	Messages     []messageInput `json:"messages"`
	StreamTokens bool           `json:"stream_tokens"`
}

type messageInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
