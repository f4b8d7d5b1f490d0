package engine

import (
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation as sent back to the model in the history.
// Arguments is the JSON text of the argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is one protocol-level message of a request.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a callable tool. Parameters holds a JSON schema
// object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolChoice defines how the model should choose tools
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"     // Let the model decide
	ToolChoiceNone     ToolChoice = "none"     // Never call tools
	ToolChoiceRequired ToolChoice = "required" // Must call at least one tool
)

// Sampling holds the optional sampling parameters. Nil means provider default.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" mapstructure:"top_p"`
	TopK        *int     `json:"top_k,omitempty" yaml:"top_k,omitempty" mapstructure:"top_k"`
	MinP        *float64 `json:"min_p,omitempty" yaml:"min_p,omitempty" mapstructure:"min_p"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

type Request struct {
	Model      string
	Messages   []ChatMessage
	Sampling   Sampling
	Tools      []ToolDefinition
	ToolChoice ToolChoice
}

// ToolCallFragment is a partial tool call from one delta. Fragments with the
// same Index belong to the same call; Name and Arguments are pieces to be
// concatenated, not replacements.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one incremental piece of a streamed response.
type Delta struct {
	Reasoning    string
	Content      string
	ToolCalls    []ToolCallFragment
	FinishReason string
}

func (d Delta) IsEmpty() bool {
	return d.Reasoning == "" && d.Content == "" && len(d.ToolCalls) == 0 && d.FinishReason == ""
}
