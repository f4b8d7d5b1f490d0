package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) PublishEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func testMetadata() EventMetadata {
	return EventMetadata{SessionID: "s1", MessageID: "m1", TurnID: "t1", Round: 2, Model: "test"}.NewMetadata()
}

func TestNewEventFromJson(t *testing.T) {
	meta := testMetadata()
	cases := []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "lo", "Hello"),
		NewThinkingPartialEvent(meta, "hm", "hmm"),
		NewToolCallEvent(meta, ToolCall{ID: "c1", Name: "lookup", Input: `{"q":"x"}`}),
		NewToolCallExecutionResultEvent(meta, ToolResult{ID: "c1", Result: "boom", IsError: true}),
		NewArtifactEvent(meta, "notes.md", "Notes", 12, false),
		NewFinalEvent(meta, "Hello", "settled"),
		NewErrorEvent(meta, errors.New("bad key")),
		NewInterruptEvent(meta, "Hel"),
		NewTitleEvent(meta, "Greetings"),
	}

	for _, ev := range cases {
		t.Run(string(ev.Type()), func(t *testing.T) {
			b, err := json.Marshal(ev)
			require.NoError(t, err)

			back, err := NewEventFromJson(b)
			require.NoError(t, err)
			assert.IsType(t, ev, back)
			assert.Equal(t, ev.Type(), back.Type())
			assert.Equal(t, meta, back.Metadata())
			assert.Equal(t, b, back.Payload())
		})
	}

	back, err := NewEventFromJson([]byte(`{"type":"tool-call-execution-result","tool_result":{"id":"c1","result":"boom","is_error":true}}`))
	require.NoError(t, err)
	res, ok := back.(*EventToolCallExecutionResult)
	require.True(t, ok)
	assert.True(t, res.ToolResult.IsError)

	unknown, err := NewEventFromJson([]byte(`{"type":"something-else"}`))
	require.NoError(t, err)
	assert.Equal(t, EventType("something-else"), unknown.Type())

	_, err = NewEventFromJson([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublishEventToContext(t *testing.T) {
	ctx := context.Background()
	// no sinks is a no-op
	PublishEventToContext(ctx, NewStartEvent(testMetadata()))

	a := &recordingSink{}
	failing := &recordingSink{err: errors.New("full")}
	b := &recordingSink{}
	ctx = WithEventSinks(ctx, a, failing)
	ctx = WithEventSinks(ctx, b)
	assert.Len(t, GetEventSinks(ctx), 3)

	PublishEventToContext(ctx, NewFinalEvent(testMetadata(), "x", "settled"))
	assert.Len(t, a.events, 1)
	assert.Len(t, failing.events, 1)
	assert.Len(t, b.events, 1)
}

func TestEventRouterDeliversSinkEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	received := make(chan Event, 4)
	router.AddHandler("collect", "chat", func(msg *message.Message) error {
		defer msg.Ack()
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		received <- e
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	sink := router.Sink("chat")
	require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(testMetadata(), "Hel", "Hel")))
	require.NoError(t, sink.PublishEvent(NewFinalEvent(testMetadata(), "Hello", "settled")))

	for _, want := range []EventType{EventTypePartialCompletion, EventTypeFinal} {
		select {
		case e := <-received:
			assert.Equal(t, want, e.Type())
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	require.NoError(t, router.Close())
}

func TestStepPrinterFunc(t *testing.T) {
	var buf bytes.Buffer
	printer := StepPrinterFunc("assistant", &buf, PrinterOptions{ShowToolCalls: true})
	meta := testMetadata()

	for _, ev := range []Event{
		NewStartEvent(meta),
		NewThinkingPartialEvent(meta, "hidden", "hidden"),
		NewPartialCompletionEvent(meta, "Hel", "Hel"),
		NewPartialCompletionEvent(meta, "lo", "Hello"),
		NewToolCallExecuteEvent(meta, ToolCall{ID: "c1", Name: "lookup", Input: "{}"}),
		NewToolCallExecutionResultEvent(meta, ToolResult{ID: "c1", Result: "found"}),
		NewErrorEvent(meta, errors.New("bad key")),
		NewFinalEvent(meta, "Hello", "settled"),
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, printer(message.NewMessage(watermill.NewUUID(), b)))
	}

	out := buf.String()
	assert.Contains(t, out, "assistant:")
	assert.Contains(t, out, "Hello")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "name: lookup")
	assert.Contains(t, out, "result: found")
	assert.Contains(t, out, "[error] bad key")
}
