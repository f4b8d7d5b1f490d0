package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
)

type streamItem struct {
	delta engine.Delta
	err   error
	// hook runs before the item is returned
	hook func()
}

func text(s string) streamItem {
	return streamItem{delta: engine.Delta{Content: s}}
}

func reasoning(s string) streamItem {
	return streamItem{delta: engine.Delta{Reasoning: s}}
}

func fragment(index int, id, name, args string) streamItem {
	return streamItem{delta: engine.Delta{ToolCalls: []engine.ToolCallFragment{{Index: index, ID: id, Name: name, Arguments: args}}}}
}

type scriptedStream struct {
	ctx    context.Context
	items  []streamItem
	i      int
	closed bool
}

func (s *scriptedStream) Recv() (engine.Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return engine.Delta{}, err
	}
	if s.i >= len(s.items) {
		return engine.Delta{}, io.EOF
	}
	item := s.items[s.i]
	s.i++
	if item.hook != nil {
		item.hook()
		if err := s.ctx.Err(); err != nil {
			return engine.Delta{}, err
		}
	}
	return item.delta, item.err
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// fakeEngine answers request n (0-based) with respond(n, req).
type fakeEngine struct {
	mu       sync.Mutex
	requests []*engine.Request
	respond  func(n int, req *engine.Request) ([]streamItem, error)
}

func (f *fakeEngine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	items, err := f.respond(n, req)
	if err != nil {
		return nil, err
	}
	return &scriptedStream{ctx: ctx, items: items}, nil
}

func (f *fakeEngine) Requests() []*engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*engine.Request(nil), f.requests...)
}

// scripted replays rounds in order and then answers with a plain text.
func scripted(rounds ...[]streamItem) *fakeEngine {
	return &fakeEngine{respond: func(n int, _ *engine.Request) ([]streamItem, error) {
		if n < len(rounds) {
			return rounds[n], nil
		}
		return []streamItem{text("ok")}, nil
	}}
}

type invocation struct {
	Name string
	Args map[string]interface{}
}

type fakeExecutor struct {
	mu          sync.Mutex
	invocations []invocation
	fn          func(ctx context.Context, name string, args map[string]interface{}) tools.Result
}

func (f *fakeExecutor) Invoke(ctx context.Context, name string, args map[string]interface{}) tools.Result {
	f.mu.Lock()
	f.invocations = append(f.invocations, invocation{Name: name, Args: args})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, name, args)
	}
	return tools.Result{Text: "found"}
}

func (f *fakeExecutor) HasTool(name string) bool {
	return name == "lookup"
}

func (f *fakeExecutor) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{{
		Name:        "lookup",
		Description: "look things up",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}}
}

func (f *fakeExecutor) Invocations() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invocations...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) PublishEvent(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) OfType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []events.Event
	for _, e := range r.events {
		if e.Type() == t {
			ret = append(ret, e)
		}
	}
	return ret
}
