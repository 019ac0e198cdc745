package agentsvc

import "time"

// Agent is the minimal identity the agent service exposes for an agent:
// enough for the Reconciler to diff against the Mapping Store.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventType is the closed taxonomy of agent-service stream events (spec
// §4.L4). Unknown values fail schema validation in decodeStreamEvent, and
// SendStreaming reports them as an EventError that ends the stream.
type EventType string

const (
	EventPing            EventType = "ping"
	EventReasoning       EventType = "reasoning"
	EventToolCall        EventType = "tool_call"
	EventToolReturn      EventType = "tool_return"
	EventAssistant       EventType = "assistant"
	EventStop            EventType = "stop"
	EventUsage           EventType = "usage"
	EventError           EventType = "error"
	EventApprovalRequest EventType = "approval_request"
)

// Surfaced reports whether an event type is ever shown to the user by the
// Response Streamer (C2) — ping/reasoning/usage are consumed but hidden.
func (t EventType) Surfaced() bool {
	switch t {
	case EventToolCall, EventToolReturn, EventAssistant, EventError, EventApprovalRequest:
		return true
	default:
		return false
	}
}

// StreamEvent is one decoded event from SendStreaming. Only the fields
// relevant to its Type are populated.
type StreamEvent struct {
	Type         EventType `json:"type"`
	Text         string    `json:"text,omitempty"`
	ToolName     string    `json:"tool_name,omitempty"`
	ToolResult   string    `json:"tool_result,omitempty"`
	ToolOK       bool      `json:"tool_ok,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Envelope is the structured preamble sent with every user message (spec
// §6 Context envelope table).
type Envelope struct {
	Channel          string    `json:"channel"`
	ChatID           string    `json:"chat_id"`
	MessageID        string    `json:"message_id"`
	SenderUserID     string    `json:"sender.user_id"`
	SenderName       string    `json:"sender.name"`
	SenderType       string    `json:"sender.type"`
	Timestamp        time.Time `json:"timestamp"`
	Format           string    `json:"format"`
	Trigger          string    `json:"trigger"`
	ReplyInstruction string    `json:"reply_instruction,omitempty"`
	// SourceAgentID/SourceAgentName are set only when SenderType is
	// SenderOtherAgent, so the receiving agent treats the body as
	// collaboration rather than a human instruction.
	SourceAgentID   string `json:"source_agent.id,omitempty"`
	SourceAgentName string `json:"source_agent.name,omitempty"`
}

// Sender type values recognized in Envelope.SenderType.
const (
	SenderHuman       = "human"
	SenderOtherAgent  = "other_agent"
	SenderOpencodeUser = "opencode_user"
)

// Trigger values recognized in Envelope.Trigger.
const (
	TriggerUserMessage  = "user_message"
	TriggerAgentMessage = "agent_message"
	TriggerPollVote     = "poll_vote"
)
