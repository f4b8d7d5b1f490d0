package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is published when a streaming round begins.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	// Separate partial stream for reasoning text
	EventTypePartialThinking EventType = "partial-thinking"

	// Model requested a tool call (finalized at the end of a round)
	EventTypeToolCall EventType = "tool-call"

	// Execution-phase events
	EventTypeToolCallExecute         EventType = "tool-call-execute"
	EventTypeToolCallExecutionResult EventType = "tool-call-execution-result"

	// Live progress of a resource written by a streaming tool call
	EventTypeArtifact EventType = "artifact"

	EventTypeFinal     EventType = "final"
	EventTypeError     EventType = "error"
	EventTypeInterrupt EventType = "interrupt"

	EventTypeTitle EventType = "title"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

// EventMetadata identifies the turn an event belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id" yaml:"event_id" mapstructure:"event_id"`
	SessionID string    `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	// MessageID is the assistant message being generated.
	MessageID string `json:"message_id,omitempty" yaml:"message_id,omitempty" mapstructure:"message_id"`
	TurnID    string `json:"turn_id,omitempty" yaml:"turn_id,omitempty" mapstructure:"turn_id"`
	Round     int    `json:"round,omitempty" yaml:"round,omitempty" mapstructure:"round"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`

	DurationMs *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" mapstructure:"duration_ms"`
	StopReason string `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty" mapstructure:"stop_reason"`
}

// NewMetadata returns a copy of m with a fresh event id.
func (em EventMetadata) NewMetadata() EventMetadata {
	em.ID = uuid.New()
	em.DurationMs = nil
	em.StopReason = ""
	return em
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Round > 0 {
		e.Int("round", em.Round)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
	if em.StopReason != "" {
		e.Str("stop_reason", em.StopReason)
	}
}

type EventPartialCompletionStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventPartialCompletionStart {
	return &EventPartialCompletionStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

// EventPartialCompletion carries one text delta and the text of the current
// part so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

// EventThinkingPartial mirrors EventPartialCompletion for reasoning text
type EventThinkingPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type ToolCall struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Input string `json:"input" yaml:"input"`
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tc.ID).Str("name", tc.Name).Str("input", tc.Input)
}

type ToolResult struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Result  string `json:"result" yaml:"result"`
	IsError bool   `json:"is_error,omitempty" yaml:"is_error,omitempty"`
}

func (tr ToolResult) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tr.ID).Str("result", tr.Result).Bool("is_error", tr.IsError)
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

// EventToolCallExecute captures the intent to execute a tool
type EventToolCallExecute struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallExecuteEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCallExecute {
	return &EventToolCallExecute{
		EventImpl: EventImpl{Type_: EventTypeToolCallExecute, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

// EventToolCallExecutionResult captures the result of executing a tool
type EventToolCallExecutionResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolCallExecutionResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolCallExecutionResult {
	return &EventToolCallExecutionResult{
		EventImpl:  EventImpl{Type_: EventTypeToolCallExecutionResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

// EventArtifact reports a resource write. Final is false for the
// speculative writes done while a tool call is still streaming.
type EventArtifact struct {
	EventImpl
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
	Size  int    `json:"size"`
	Final bool   `json:"final"`
}

func NewArtifactEvent(metadata EventMetadata, path, title string, size int, final bool) *EventArtifact {
	return &EventArtifact{
		EventImpl: EventImpl{Type_: EventTypeArtifact, Metadata_: metadata},
		Path:      path,
		Title:     title,
		Size:      size,
		Final:     final,
	}
}

type EventFinal struct {
	EventImpl
	Text  string `json:"text"`
	State string `json:"state"`
}

func NewFinalEvent(metadata EventMetadata, text string, state string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		State:     state,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventTitle struct {
	EventImpl
	Title string `json:"title"`
}

func NewTitleEvent(metadata EventMetadata, title string) *EventTitle {
	return &EventTitle{
		EventImpl: EventImpl{Type_: EventTypeTitle, Metadata_: metadata},
		Title:     title,
	}
}

var (
	_ Event = &EventPartialCompletionStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventThinkingPartial{}
	_ Event = &EventToolCall{}
	_ Event = &EventToolCallExecute{}
	_ Event = &EventToolCallExecutionResult{}
	_ Event = &EventArtifact{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
	_ Event = &EventInterrupt{}
	_ Event = &EventTitle{}
)

var eventFactories = map[EventType]func() Event{
	EventTypeStart:                   func() Event { return &EventPartialCompletionStart{} },
	EventTypePartialCompletion:       func() Event { return &EventPartialCompletion{} },
	EventTypePartialThinking:         func() Event { return &EventThinkingPartial{} },
	EventTypeToolCall:                func() Event { return &EventToolCall{} },
	EventTypeToolCallExecute:         func() Event { return &EventToolCallExecute{} },
	EventTypeToolCallExecutionResult: func() Event { return &EventToolCallExecutionResult{} },
	EventTypeArtifact:                func() Event { return &EventArtifact{} },
	EventTypeFinal:                   func() Event { return &EventFinal{} },
	EventTypeError:                   func() Event { return &EventError{} },
	EventTypeInterrupt:               func() Event { return &EventInterrupt{} },
	EventTypeTitle:                   func() Event { return &EventTitle{} },
}

// NewEventFromJson decodes a published event into its concrete type. Unknown
// types decode into a bare *EventImpl.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}

	factory, ok := eventFactories[hdr.Type]
	if !ok {
		e := &EventImpl{}
		if err := json.Unmarshal(b, e); err != nil {
			return nil, err
		}
		e.payload = b
		return e, nil
	}

	ev := factory()
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
	}
	if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(b)
	}
	return ev, nil
}

func (e EventPartialCompletion) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta).Str("completion", e.Completion)
}

func (e EventToolCall) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

func (e EventToolCallExecutionResult) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_result", e.ToolResult)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text).Str("state", e.State)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}
