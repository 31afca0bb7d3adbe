package llm

import (
	"context"
	"encoding/json"
)

// Gateway is the reliability wrapper around an OpenAI-compatible chat
// completion API. All methods honor the client-level timeout and retry
// policy; errors are always *Error values.
type Gateway interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	CompleteWithTools(ctx context.Context, req CompletionRequest) (*Completion, error)
	// CompleteVision serves multimodal requests on the vision
	// endpoint/model. Callers must not construct image content when
	// vision is disabled; invoking it anyway returns ErrVisionDisabled.
	CompleteVision(ctx context.Context, req CompletionRequest) (string, error)
}

// ContentPart is one block of multimodal message content.
type ContentPart struct {
	Type     string    `json:"type"` // text, image_url
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message is one chat message on the wire. Content carries plain text;
// Parts, when non-empty, takes precedence and is marshaled as a
// multimodal content array.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

func (m Message) MarshalJSON() ([]byte, error) {
	type wireToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	wire := struct {
		Role       string         `json:"role"`
		Content    any            `json:"content"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
		Name       string         `json:"name,omitempty"`
	}{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if len(m.Parts) > 0 {
		wire.Content = m.Parts
	} else {
		wire.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		w := wireToolCall{ID: tc.ID, Type: "function"}
		w.Function.Name = tc.Name
		w.Function.Arguments = tc.Arguments
		wire.ToolCalls = append(wire.ToolCalls, w)
	}
	return json.Marshal(wire)
}

// ToolCall is one model-requested tool invocation. Arguments is an
// opaque JSON string exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSchema describes one callable tool in OpenAI function-call form.
type ToolSchema struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool choice modes understood by the upstream.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

type CompletionRequest struct {
	Messages    []Message
	Model       string // overrides the client's primary model when set
	MaxTokens   int
	Temperature float64
	Tools       []ToolSchema
	ToolChoice  string
	ChatID      int64 // audit only
}

type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Model     string // the model that actually answered
	Attempts  int
}
