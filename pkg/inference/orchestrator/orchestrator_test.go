package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noTitleConfig() Config {
	c := DefaultConfig()
	c.GenerateTitle = false
	c.Model = "test-model"
	return c
}

func newSession(t *testing.T, prompt string) *conversation.ChatSession {
	t.Helper()
	s := conversation.NewChatSession()
	_, err := s.AddMessage(conversation.NewUserMessage(prompt))
	require.NoError(t, err)
	return s
}

func TestRunStreamsTextAndToolCall(t *testing.T) {
	eng := scripted(
		[]streamItem{
			text("Hel"),
			text("lo"),
			fragment(0, "c1", "lookup", ""),
			fragment(0, "", "", `{"q":`),
			fragment(0, "", "", `"x"}`),
		},
		[]streamItem{text("It is x.")},
	)
	exec := &fakeExecutor{}
	o := New(eng, WithExecutor(exec), WithConfig(noTitleConfig()))

	s := newSession(t, "hi")
	user := s.Leaf()
	turn, err := o.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, StateSettled, turn.State)
	assert.Equal(t, 2, turn.Rounds)
	assert.Equal(t, 1, turn.ToolCalls)
	assert.NoError(t, turn.Err)
	assert.False(t, s.IsGenerating)

	msg := s.Leaf()
	assert.Equal(t, turn.MessageID, msg.ID)
	assert.Equal(t, user.ID, msg.ParentID)
	assert.Equal(t, "test-model", msg.Model)
	assert.Equal(t, []conversation.MessagePart{
		conversation.TextPart("Hello"),
		conversation.ToolCallPart(conversation.ToolCall{ID: "c1", Name: "lookup", Arguments: map[string]interface{}{"q": "x"}}),
		conversation.ToolResultPart(conversation.ToolResult{CallID: "c1", Result: "found"}),
		conversation.TextPart("It is x."),
	}, msg.Parts)
	assert.Equal(t, "HelloIt is x.", msg.Content)
	assert.GreaterOrEqual(t, msg.GenerationTime, int64(0))

	assert.Equal(t, []invocation{{Name: "lookup", Args: map[string]interface{}{"q": "x"}}}, exec.Invocations())

	reqs := eng.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "test-model", reqs[0].Model)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, engine.ToolChoiceAuto, reqs[0].ToolChoice)
	assert.Equal(t, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "hi"},
		{Role: engine.RoleAssistant, Content: "Hello", ToolCalls: []engine.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}},
		{Role: engine.RoleTool, Content: "found", ToolCallID: "c1"},
	}, reqs[1].Messages)
	require.NoError(t, s.Validate())
}

func TestRunKeepsPartOrder(t *testing.T) {
	eng := scripted([]streamItem{
		reasoning("think"),
		reasoning("ing"),
		text("A"),
		reasoning("more"),
		text("B"),
	})
	o := New(eng, WithConfig(noTitleConfig()))
	s := newSession(t, "q")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []conversation.MessagePart{
		conversation.ReasoningPart("thinking"),
		conversation.TextPart("A"),
		conversation.ReasoningPart("more"),
		conversation.TextPart("B"),
	}, s.Leaf().Parts)
	assert.Equal(t, "thinkingmore", s.Leaf().Reasoning)
}

func TestRunStopsAfterFiveRounds(t *testing.T) {
	for _, maxRounds := range []int{0, 5, 12, -1} {
		t.Run(fmt.Sprintf("max_rounds=%d", maxRounds), func(t *testing.T) {
			eng := &fakeEngine{respond: func(n int, _ *engine.Request) ([]streamItem, error) {
				return []streamItem{fragment(0, fmt.Sprintf("c%d", n), "lookup", `{"q":"again"}`)}, nil
			}}
			exec := &fakeExecutor{}
			cfg := noTitleConfig()
			cfg.MaxRounds = maxRounds
			o := New(eng, WithExecutor(exec), WithConfig(cfg))
			s := newSession(t, "loop forever")

			turn, err := o.Run(context.Background(), s)
			require.NoError(t, err)
			assert.Len(t, eng.Requests(), 5)
			assert.Len(t, exec.Invocations(), 5)
			assert.Equal(t, 5, turn.Rounds)
			assert.True(t, turn.RoundCapHit)
			assert.Equal(t, StateSettled, turn.State)
			assert.Len(t, s.Leaf().ToolCalls(), 5)
			assert.Len(t, s.Leaf().ToolResults(), 5)
		})
	}
}

func TestRunHonorsLowerMaxRounds(t *testing.T) {
	eng := &fakeEngine{respond: func(n int, _ *engine.Request) ([]streamItem, error) {
		return []streamItem{fragment(0, fmt.Sprintf("c%d", n), "lookup", `{}`)}, nil
	}}
	cfg := noTitleConfig()
	cfg.MaxRounds = 2
	o := New(eng, WithExecutor(&fakeExecutor{}), WithConfig(cfg))

	turn, err := o.Run(context.Background(), newSession(t, "x"))
	require.NoError(t, err)
	assert.Len(t, eng.Requests(), 2)
	assert.Equal(t, 2, turn.Rounds)
}

func TestRunSkipsMalformedChunks(t *testing.T) {
	eng := scripted([]streamItem{
		text("a"),
		{err: errors.Wrap(engine.ErrMalformedChunk, "unexpected end of JSON input")},
		text("b"),
	})
	o := New(eng, WithConfig(noTitleConfig()))
	s := newSession(t, "x")

	turn, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	assert.NoError(t, turn.Err)
	assert.Equal(t, []conversation.MessagePart{conversation.TextPart("ab")}, s.Leaf().Parts)
}

func TestRunTransportErrorIsInline(t *testing.T) {
	eng := &fakeEngine{respond: func(int, *engine.Request) ([]streamItem, error) {
		return nil, errors.New("401 Unauthorized: bad key")
	}}
	sink := &recordingSink{}
	o := New(eng, WithConfig(noTitleConfig()), WithEventSinks(sink))
	s := newSession(t, "x")

	turn, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	require.Error(t, turn.Err)
	assert.Equal(t, StateSettled, turn.State)
	assert.False(t, s.IsGenerating)
	assert.Equal(t, []conversation.MessagePart{conversation.TextPart("Error: 401 Unauthorized: bad key")}, s.Leaf().Parts)
	assert.Len(t, sink.OfType(events.EventTypeError), 1)
	assert.Len(t, sink.OfType(events.EventTypeFinal), 1)
}

func TestRunMidStreamErrorKeepsPartialText(t *testing.T) {
	eng := scripted([]streamItem{
		text("Hel"),
		{err: errors.New("connection reset")},
	})
	o := New(eng, WithExecutor(&fakeExecutor{}), WithConfig(noTitleConfig()))
	s := newSession(t, "x")

	turn, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	require.Error(t, turn.Err)
	assert.Equal(t, []conversation.MessagePart{
		conversation.TextPart("Hel"),
		conversation.TextPart("Error: connection reset"),
	}, s.Leaf().Parts)
	assert.Len(t, eng.Requests(), 1)
}

func TestRunCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := scripted([]streamItem{
		text("Hel"),
		{delta: engine.Delta{Content: "never"}, hook: cancel},
	})
	sink := &recordingSink{}
	cfg := noTitleConfig()
	cfg.GenerateTitle = true
	o := New(eng, WithExecutor(&fakeExecutor{}), WithConfig(cfg), WithEventSinks(sink))
	s := newSession(t, "x")

	turn, err := o.Run(ctx, s)
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, StateAborted, turn.State)
	assert.False(t, s.IsGenerating)
	assert.Equal(t, []conversation.MessagePart{conversation.TextPart("Hel")}, s.Leaf().Parts)
	assert.Equal(t, "", s.GetTitle())
	assert.Len(t, eng.Requests(), 1, "no title request after an abort")
	assert.Len(t, sink.OfType(events.EventTypeInterrupt), 1)
}

func TestRunCancellationDuringToolsSkipsNextRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := scripted([]streamItem{
		fragment(0, "c1", "lookup", `{}`),
		fragment(1, "c2", "lookup", `{}`),
	})
	exec := &fakeExecutor{fn: func(context.Context, string, map[string]interface{}) tools.Result {
		cancel()
		return tools.Result{Text: "partial"}
	}}
	o := New(eng, WithExecutor(exec), WithConfig(noTitleConfig()))
	s := newSession(t, "x")

	turn, err := o.Run(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, turn.State)
	assert.Len(t, eng.Requests(), 1)
	assert.Len(t, exec.Invocations(), 1)
	assert.Len(t, s.Leaf().ToolCalls(), 2)
	assert.Len(t, s.Leaf().ToolResults(), 1)
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	o := New(scripted(), WithConfig(noTitleConfig()))
	s := newSession(t, "x")
	s.IsGenerating = true

	_, err := o.Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrAlreadyGenerating)
	assert.Equal(t, 1, s.Len())

	_, err = o.Run(context.Background(), conversation.NewChatSession())
	assert.Error(t, err)
}

func TestRunInvalidArgumentsBecomeEmptyObject(t *testing.T) {
	eng := scripted([]streamItem{fragment(0, "c1", "lookup", `{"q": tru`)})
	exec := &fakeExecutor{}
	o := New(eng, WithExecutor(exec), WithConfig(noTitleConfig()))
	s := newSession(t, "x")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, exec.Invocations(), 1)
	assert.Equal(t, map[string]interface{}{}, exec.Invocations()[0].Args)
}

func TestRunToolErrorsReachTheModel(t *testing.T) {
	eng := scripted([]streamItem{fragment(0, "c1", "lookup", `{}`)})
	exec := &fakeExecutor{fn: func(context.Context, string, map[string]interface{}) tools.Result {
		return tools.ErrorResult("backend down")
	}}
	o := New(eng, WithExecutor(exec), WithConfig(noTitleConfig()))
	s := newSession(t, "x")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	results := s.Leaf().ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)

	reqs := eng.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, engine.RoleTool, last.Role)
	assert.Equal(t, "backend down", last.Content)
}

func TestRunPersistsOnce(t *testing.T) {
	var persisted []bool
	o := New(scripted([]streamItem{text("hi")}), WithConfig(noTitleConfig()), WithPersistHook(
		func(_ context.Context, s *conversation.ChatSession) error {
			persisted = append(persisted, s.IsGenerating)
			return nil
		}))

	_, err := o.Run(context.Background(), newSession(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, persisted)

	failing := New(scripted(), WithConfig(noTitleConfig()), WithPersistHook(
		func(context.Context, *conversation.ChatSession) error { return errors.New("disk full") }))
	turn, err := failing.Run(context.Background(), newSession(t, "x"))
	assert.Error(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, StateSettled, turn.State)
}

func TestRunGeneratesTitleAfterFirstExchange(t *testing.T) {
	eng := &fakeEngine{respond: func(_ int, req *engine.Request) ([]streamItem, error) {
		if len(req.Messages) > 0 && req.Messages[0].Content == titleSystemPrompt {
			return []streamItem{text(`"Friendly `), text("greeting\"\nextra")}, nil
		}
		return []streamItem{text("hello")}, nil
	}}
	var mu sync.Mutex
	var hooked []string
	cfg := noTitleConfig()
	cfg.GenerateTitle = true
	o := New(eng, WithConfig(cfg), WithTitleHook(func(_ context.Context, sessionID, title string) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, sessionID+":"+title)
	}))
	s := newSession(t, "hi")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, "Friendly greeting", s.GetTitle())
	assert.Equal(t, []string{s.ID + ":Friendly greeting"}, hooked)

	reqs := eng.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[1].Tools)
	assert.Equal(t, "User: hi\n\nAssistant: hello", reqs[1].Messages[1].Content)

	// a second exchange does not retitle
	_, err = s.AddMessage(conversation.NewUserMessage("again"))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), s)
	require.NoError(t, err)
	o.Wait()
	assert.Len(t, eng.Requests(), 3)
}

func TestTitleFailureIsSilent(t *testing.T) {
	eng := &fakeEngine{respond: func(n int, _ *engine.Request) ([]streamItem, error) {
		if n == 1 {
			return nil, errors.New("rate limited")
		}
		return []streamItem{text("hello")}, nil
	}}
	cfg := noTitleConfig()
	cfg.GenerateTitle = true
	o := New(eng, WithConfig(cfg))
	s := newSession(t, "hi")

	turn, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	o.Wait()
	assert.NoError(t, turn.Err)
	assert.Equal(t, "", s.GetTitle())
}

func TestRegenerateCreatesSibling(t *testing.T) {
	eng := &fakeEngine{respond: func(n int, _ *engine.Request) ([]streamItem, error) {
		return []streamItem{text(fmt.Sprintf("answer %d", n))}, nil
	}}
	o := New(eng, WithConfig(noTitleConfig()))
	s := newSession(t, "q")
	user := s.Leaf()

	first, err := o.Run(context.Background(), s)
	require.NoError(t, err)
	second, err := o.Regenerate(context.Background(), s, first.MessageID)
	require.NoError(t, err)

	assert.Equal(t, []conversation.MessageID{first.MessageID, second.MessageID}, user.ChildrenIDs)
	assert.Equal(t, second.MessageID, s.CurrentLeafID)
	assert.Equal(t, "answer 1", s.Leaf().Content)

	// the regenerated request does not contain the first answer
	reqs := eng.Requests()
	assert.Equal(t, []engine.ChatMessage{{Role: engine.RoleUser, Content: "q"}}, reqs[1].Messages)

	_, err = o.Regenerate(context.Background(), s, user.ID)
	assert.Error(t, err)
	_, err = o.Regenerate(context.Background(), s, "missing")
	assert.ErrorIs(t, err, conversation.ErrMessageNotFound)
}

func TestRunSpeculativeArtifactWrites(t *testing.T) {
	store := artifacts.NewMemoryStore()
	reg := tools.NewLocalRegistry()
	require.NoError(t, artifacts.RegisterTools(reg, store))

	eng := scripted(
		[]streamItem{
			fragment(0, "c1", "create_", ""),
			fragment(0, "", "artifact", `{"path":"notes.md",`),
			fragment(0, "", "", `"title":"Notes","content":"# Not`),
			fragment(0, "", "", `es\nbody"}`),
		},
		[]streamItem{text("Created.")},
	)
	sink := &recordingSink{}
	o := New(eng,
		WithExecutor(tools.NewRouter(tools.DefaultToolConfig(), reg)),
		WithArtifacts(store),
		WithConfig(noTitleConfig()),
		WithEventSinks(sink),
	)
	s := newSession(t, "write notes")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)

	speculative := sink.OfType(events.EventTypeArtifact)
	require.NotEmpty(t, speculative)
	for _, e := range speculative {
		assert.False(t, e.(*events.EventArtifact).Final)
	}

	a, err := store.Read(context.Background(), s.ID, "notes.md")
	require.NoError(t, err)
	assert.True(t, a.Final)
	assert.Equal(t, "# Notes\nbody", a.Content)
	assert.Equal(t, "Notes", a.Title)

	results := s.Leaf().ToolResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError, results[0].Result)
	assert.True(t, strings.HasPrefix(results[0].Result, "Created artifact notes.md"))

	list, err := store.List(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func artifactOrchestrator(t *testing.T, store artifacts.Store, sink *recordingSink, rounds ...[]streamItem) *Orchestrator {
	t.Helper()
	reg := tools.NewLocalRegistry()
	require.NoError(t, artifacts.RegisterTools(reg, store))
	return New(scripted(rounds...),
		WithExecutor(tools.NewRouter(tools.DefaultToolConfig(), reg)),
		WithArtifacts(store),
		WithConfig(noTitleConfig()),
		WithEventSinks(sink),
	)
}

func TestRunStreamedUpdateOfMissingArtifactCreatesNothing(t *testing.T) {
	store := artifacts.NewMemoryStore()
	sink := &recordingSink{}
	o := artifactOrchestrator(t, store, sink,
		[]streamItem{
			fragment(0, "c1", "update_artifact", `{"id":"does-not-exist",`),
			fragment(0, "", "", `"content":"x`),
			fragment(0, "", "", `y"}`),
		},
		[]streamItem{text("Sorry.")},
	)
	s := newSession(t, "update it")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)

	results := s.Leaf().ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Result, "cannot update")

	list, err := store.List(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, sink.OfType(events.EventTypeArtifact))
}

func TestRunStreamedUpdateOfExistingArtifact(t *testing.T) {
	store := artifacts.NewMemoryStore()
	sink := &recordingSink{}
	s := newSession(t, "update it")
	_, err := store.Upsert(context.Background(), s.ID,
		artifacts.Artifact{Path: "notes.md", Content: "old"}, artifacts.UpsertOptions{Final: true})
	require.NoError(t, err)

	o := artifactOrchestrator(t, store, sink,
		[]streamItem{
			fragment(0, "c1", "update_artifact", `{"path":"notes.md","content":"ne`),
			fragment(0, "", "", `w"}`),
		},
		[]streamItem{text("Done.")},
	)
	_, err = o.Run(context.Background(), s)
	require.NoError(t, err)

	assert.NotEmpty(t, sink.OfType(events.EventTypeArtifact))
	list, err := store.List(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Content)
	assert.True(t, list[0].Final)
}

func TestRunSpeculationWaitsForCompleteAddress(t *testing.T) {
	store := artifacts.NewMemoryStore()
	sink := &recordingSink{}
	o := artifactOrchestrator(t, store, sink,
		[]streamItem{
			fragment(0, "c1", "create_artifact", `{"content":"hello","path":"no`),
			fragment(0, "", "", `tes`),
			fragment(0, "", "", `.md"}`),
		},
		[]streamItem{text("Created.")},
	)
	s := newSession(t, "write notes")

	_, err := o.Run(context.Background(), s)
	require.NoError(t, err)

	list, err := store.List(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "notes.md", list[0].Path)
	assert.Equal(t, "hello", list[0].Content)
	assert.True(t, list[0].Final)

	for _, e := range sink.OfType(events.EventTypeArtifact) {
		assert.Equal(t, "notes.md", e.(*events.EventArtifact).Path)
	}
}

func TestRunWithoutToolsSendsNoDefinitions(t *testing.T) {
	eng := scripted([]streamItem{text("x")})
	cfg := noTitleConfig()
	cfg.Tools = cfg.Tools.WithToolChoice(engine.ToolChoiceNone)
	o := New(eng, WithExecutor(&fakeExecutor{}), WithConfig(cfg))

	_, err := o.Run(context.Background(), newSession(t, "x"))
	require.NoError(t, err)
	assert.Empty(t, eng.Requests()[0].Tools)
	assert.Equal(t, engine.ToolChoice(""), eng.Requests()[0].ToolChoice)
}
