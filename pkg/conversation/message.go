package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MessageID identifies a message inside a session. IDs are opaque strings so
// that imported legacy ids survive unchanged; new ids are random UUIDs.
type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

func (id MessageID) String() string {
	return string(id)
}

// NullID is the parent id of a root message and the leaf id of an empty session.
const NullID MessageID = ""

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
)

// ToolCall is a finalized tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id" yaml:"id"`
	Name      string                 `json:"name" yaml:"name"`
	Arguments map[string]interface{} `json:"arguments" yaml:"arguments"`
}

// ToolResult answers the ToolCall with the same id.
type ToolResult struct {
	CallID  string `json:"callId" yaml:"callId"`
	Result  string `json:"result" yaml:"result"`
	IsError bool   `json:"isError" yaml:"isError"`
}

// MessagePart is one fragment of a message. Exactly one payload is set,
// selected by Type: Content for text and reasoning, ToolCall or ToolResult
// for the tool kinds.
type MessagePart struct {
	Type       PartType
	Content    string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

func TextPart(content string) MessagePart {
	return MessagePart{Type: PartTypeText, Content: content}
}

func ReasoningPart(content string) MessagePart {
	return MessagePart{Type: PartTypeReasoning, Content: content}
}

func ToolCallPart(call ToolCall) MessagePart {
	if call.Arguments == nil {
		call.Arguments = map[string]interface{}{}
	}
	return MessagePart{Type: PartTypeToolCall, ToolCall: &call}
}

func ToolResultPart(result ToolResult) MessagePart {
	return MessagePart{Type: PartTypeToolResult, ToolResult: &result}
}

type partJSON struct {
	Type       PartType    `json:"type"`
	Content    *string     `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

func (p MessagePart) MarshalJSON() ([]byte, error) {
	out := partJSON{Type: p.Type}
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		content := p.Content
		out.Content = &content
	case PartTypeToolCall:
		if p.ToolCall == nil {
			return nil, errors.New("tool-call part without tool call")
		}
		out.ToolCall = p.ToolCall
	case PartTypeToolResult:
		if p.ToolResult == nil {
			return nil, errors.New("tool-result part without tool result")
		}
		out.ToolResult = p.ToolResult
	default:
		return nil, errors.Errorf("unknown message part type %q", p.Type)
	}
	return json.Marshal(out)
}

func (p *MessagePart) UnmarshalJSON(data []byte) error {
	var in partJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*p = MessagePart{Type: in.Type}
	switch in.Type {
	case PartTypeText, PartTypeReasoning:
		if in.Content != nil {
			p.Content = *in.Content
		}
	case PartTypeToolCall:
		if in.ToolCall == nil {
			return errors.New("tool-call part without toolCall")
		}
		if in.ToolCall.Arguments == nil {
			in.ToolCall.Arguments = map[string]interface{}{}
		}
		p.ToolCall = in.ToolCall
	case PartTypeToolResult:
		if in.ToolResult == nil {
			return errors.New("tool-result part without toolResult")
		}
		p.ToolResult = in.ToolResult
	default:
		return errors.Errorf("unknown message part type %q", in.Type)
	}
	return nil
}

func (p MessagePart) String() string {
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		return fmt.Sprintf("%s(%q)", p.Type, p.Content)
	case PartTypeToolCall:
		return fmt.Sprintf("tool-call(%s %s %v)", p.ToolCall.ID, p.ToolCall.Name, p.ToolCall.Arguments)
	case PartTypeToolResult:
		return fmt.Sprintf("tool-result(%s error=%v %q)", p.ToolResult.CallID, p.ToolResult.IsError, p.ToolResult.Result)
	}
	return string(p.Type)
}

type Attachment struct {
	Name      string `json:"name" yaml:"name"`
	MediaType string `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Data      []byte `json:"data,omitempty" yaml:"data,omitempty"`
}

// Message is a node of the conversation tree. ParentID and ChildrenIDs are
// lookup keys into the owning session, never pointers.
type Message struct {
	ID       MessageID `json:"id" yaml:"id"`
	Role     Role      `json:"role" yaml:"role"`
	ParentID MessageID `json:"parentId" yaml:"parentId"`
	// ChildrenIDs is in creation order; the last entry is the newest branch.
	ChildrenIDs []MessageID `json:"childrenIds" yaml:"childrenIds"`

	Parts     []MessagePart `json:"parts" yaml:"parts"`
	Content   string        `json:"content" yaml:"content"`
	Reasoning string        `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`

	Attachments     []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Model           string       `json:"model,omitempty" yaml:"model,omitempty"`
	GenerationTime  int64        `json:"generationTime,omitempty" yaml:"generationTime,omitempty"`
	TokensPerSecond float64      `json:"tokensPerSecond,omitempty" yaml:"tokensPerSecond,omitempty"`
	Timestamp       time.Time    `json:"timestamp" yaml:"timestamp"`
}

type MessageOption func(*Message)

func WithModel(model string) MessageOption {
	return func(m *Message) {
		m.Model = model
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = append(m.Attachments, attachments...)
	}
}

func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

// NewMessage creates an unattached message. Id and children are assigned by
// ChatSession.AddMessage.
func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	if content != "" {
		ret.Parts = []MessagePart{TextPart(content)}
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewUserMessage(content string, options ...MessageOption) *Message {
	return NewMessage(RoleUser, content, options...)
}

// NewAssistantPlaceholder creates the empty assistant message that a turn
// streams into.
func NewAssistantPlaceholder(model string) *Message {
	return NewMessage(RoleAssistant, "", WithModel(model))
}

// AppendText appends streamed answer text, extending the last part if it is
// already a text part.
func (m *Message) AppendText(delta string) {
	if delta == "" {
		return
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartTypeText {
		m.Parts[n-1].Content += delta
	} else {
		m.Parts = append(m.Parts, TextPart(delta))
	}
	m.Content += delta
}

// AppendReasoning is AppendText for chain-of-thought text.
func (m *Message) AppendReasoning(delta string) {
	if delta == "" {
		return
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartTypeReasoning {
		m.Parts[n-1].Content += delta
	} else {
		m.Parts = append(m.Parts, ReasoningPart(delta))
	}
	m.Reasoning += delta
}

// AppendPart always opens a new part.
func (m *Message) AppendPart(p MessagePart) {
	m.Parts = append(m.Parts, p)
	switch p.Type {
	case PartTypeText:
		m.Content += p.Content
	case PartTypeReasoning:
		m.Reasoning += p.Content
	case PartTypeToolCall, PartTypeToolResult:
	}
}

// RefreshAggregates recomputes Content and Reasoning from Parts.
func (m *Message) RefreshAggregates() {
	var content, reasoning strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case PartTypeText:
			content.WriteString(p.Content)
		case PartTypeReasoning:
			reasoning.WriteString(p.Content)
		case PartTypeToolCall, PartTypeToolResult:
		}
	}
	m.Content = content.String()
	m.Reasoning = reasoning.String()
}

// EnsureParts rebuilds parts from the plain aggregates when they were cleared
// by an edit.
func (m *Message) EnsureParts() {
	if len(m.Parts) > 0 {
		return
	}
	if m.Reasoning != "" {
		m.Parts = append(m.Parts, ReasoningPart(m.Reasoning))
	}
	if m.Content != "" {
		m.Parts = append(m.Parts, TextPart(m.Content))
	}
}

func (m *Message) ToolCalls() []ToolCall {
	var ret []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartTypeToolCall {
			ret = append(ret, *p.ToolCall)
		}
	}
	return ret
}

func (m *Message) ToolResults() []ToolResult {
	var ret []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartTypeToolResult {
			ret = append(ret, *p.ToolResult)
		}
	}
	return ret
}

func (m *Message) IsLeaf() bool {
	return len(m.ChildrenIDs) == 0
}

func (m *Message) IsRoot() bool {
	return m.ParentID == NullID
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s %s]: %s", m.Role, m.ID, strings.TrimRight(m.Content, "\n"))
}

// Conversation is a linear root-to-leaf slice of messages.
type Conversation []*Message

// GetSinglePrompt concatenates the text of all messages, one "[role]: text"
// line per message.
func (messages Conversation) GetSinglePrompt() string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for _, message := range messages {
		b.WriteString(fmt.Sprintf("[%s]: %s\n", message.Role, message.Content))
	}
	return b.String()
}

func (messages Conversation) IDs() []MessageID {
	ret := make([]MessageID, 0, len(messages))
	for _, m := range messages {
		ret = append(ret, m.ID)
	}
	return ret
}
