// Package orchestrator runs assistant turns: it streams model output into the
// conversation tree and loops through tool rounds until the turn settles.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/metrics"
	"github.com/go-go-golems/forkchat/pkg/partialjson"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyGenerating = errors.New("session is already generating")

// PersistFunc is called once per turn after the session settled or aborted.
type PersistFunc func(ctx context.Context, s *conversation.ChatSession) error

// TitleFunc receives a generated session title.
type TitleFunc func(ctx context.Context, sessionID string, title string)

type Orchestrator struct {
	eng       engine.Engine
	executor  tools.Executor
	artifacts artifacts.Store
	config    Config
	persist   PersistFunc
	onTitle   TitleFunc
	sinks     []events.EventSink

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithExecutor(executor tools.Executor) Option {
	return func(o *Orchestrator) { o.executor = executor }
}

// WithArtifacts enables live artifact writes from streaming tool calls.
func WithArtifacts(store artifacts.Store) Option {
	return func(o *Orchestrator) { o.artifacts = store }
}

func WithConfig(config Config) Option {
	return func(o *Orchestrator) { o.config = config }
}

func WithPersistHook(persist PersistFunc) Option {
	return func(o *Orchestrator) { o.persist = persist }
}

func WithTitleHook(onTitle TitleFunc) Option {
	return func(o *Orchestrator) { o.onTitle = onTitle }
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

func New(eng engine.Engine, options ...Option) *Orchestrator {
	o := &Orchestrator{
		eng:    eng,
		config: DefaultConfig(),
	}
	for _, option := range options {
		if option != nil {
			option(o)
		}
	}
	return o
}

// Wait blocks until background title requests have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// turnRun is the mutable state of one Run call.
type turnRun struct {
	session *conversation.ChatSession
	msg     *conversation.Message
	turn    *Turn
	model   string
	meta    events.EventMetadata
	history []engine.ChatMessage
	defs    []engine.ToolDefinition
	emitted int
}

// Run generates one assistant reply to the session's current leaf. The reply
// is added as a child of the leaf and becomes the new leaf.
//
// Transport failures are reported inline in the reply and in Turn.Err; Run
// itself only fails when the turn could not start or the session could not
// be persisted.
func (o *Orchestrator) Run(ctx context.Context, s *conversation.ChatSession) (*Turn, error) {
	if s.IsGenerating {
		return nil, ErrAlreadyGenerating
	}
	if s.Leaf() == nil {
		return nil, errors.New("session has no message to reply to")
	}
	if o.eng == nil {
		return nil, errors.New("orchestrator has no engine")
	}

	model := o.config.Model
	if model == "" {
		model = s.Model
	}
	systemPrompt := s.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.config.SystemPrompt
	}

	history := SerializeThread(s.ActiveThread(), systemPrompt)
	msg, err := s.AddMessage(conversation.NewAssistantPlaceholder(model))
	if err != nil {
		return nil, errors.Wrap(err, "could not add assistant message")
	}
	s.IsGenerating = true

	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		MessageID: msg.ID,
		State:     StateIdle,
	}
	tr := &turnRun{
		session: s,
		msg:     msg,
		turn:    turn,
		model:   model,
		history: history,
		defs:    o.toolDefinitions(),
		meta: events.EventMetadata{
			SessionID: s.ID,
			MessageID: msg.ID.String(),
			TurnID:    turn.ID,
			Model:     model,
		},
	}

	ctx = events.WithEventSinks(ctx, o.sinks...)
	ctx = artifacts.WithSessionID(ctx, s.ID)

	log.Debug().
		Str("session", s.ID).
		Str("message", msg.ID.String()).
		Str("model", model).
		Int("history", len(history)).
		Int("tools", len(tr.defs)).
		Msg("starting turn")

	start := time.Now()
	o.runRounds(ctx, tr)
	o.finish(ctx, tr, start)

	if o.persist != nil {
		if err := o.persist(context.WithoutCancel(ctx), s); err != nil {
			return turn, errors.Wrap(err, "could not persist session")
		}
	}

	if o.shouldGenerateTitle(tr) {
		o.startTitle(ctx, s)
	}
	return turn, nil
}

// Regenerate produces a new sibling for an existing assistant message.
func (o *Orchestrator) Regenerate(ctx context.Context, s *conversation.ChatSession, assistantID conversation.MessageID) (*Turn, error) {
	if s.IsGenerating {
		return nil, ErrAlreadyGenerating
	}
	m, ok := s.Message(assistantID)
	if !ok {
		return nil, errors.Wrap(conversation.ErrMessageNotFound, assistantID.String())
	}
	if m.Role != conversation.RoleAssistant {
		return nil, errors.Errorf("message %s is not an assistant message", assistantID)
	}
	if m.IsRoot() {
		return nil, errors.Errorf("assistant message %s has nothing to reply to", assistantID)
	}
	if err := s.SetCurrentLeaf(m.ParentID); err != nil {
		return nil, err
	}
	return o.Run(ctx, s)
}

func (o *Orchestrator) toolDefinitions() []engine.ToolDefinition {
	if o.executor == nil || !o.config.Tools.Enabled || o.config.Tools.ToolChoice == engine.ToolChoiceNone {
		return nil
	}
	return o.config.Tools.FilterDefinitions(o.executor.Definitions())
}

func (o *Orchestrator) runRounds(ctx context.Context, tr *turnRun) {
	maxRounds := o.config.EffectiveMaxRounds()

	for round := 1; ; round++ {
		tr.turn.Rounds = round
		tr.turn.State = StateStreaming
		tr.meta.Round = round

		calls, roundText, err := o.streamRound(ctx, tr)
		if ctx.Err() != nil {
			o.abort(ctx, tr)
			return
		}
		if err != nil {
			o.fail(ctx, tr, err)
			return
		}
		if len(calls) == 0 {
			tr.turn.State = StateSettled
			return
		}

		tr.turn.State = StateToolExecuting
		o.runTools(ctx, tr, round, calls, roundText)
		if ctx.Err() != nil {
			o.abort(ctx, tr)
			return
		}

		if round >= maxRounds {
			log.Warn().
				Str("session", tr.session.ID).
				Int("max_rounds", maxRounds).
				Msg("maximum tool rounds reached, settling turn")
			tr.turn.RoundCapHit = true
			tr.turn.State = StateSettled
			return
		}
	}
}

// streamRound issues one request and consumes its stream into the assistant
// message. It returns the tool calls requested in this round and the answer
// text streamed in it.
func (o *Orchestrator) streamRound(ctx context.Context, tr *turnRun) ([]engine.ToolCall, string, error) {
	req := &engine.Request{
		Model:    tr.model,
		Messages: tr.history,
		Sampling: o.config.Sampling,
	}
	if len(tr.defs) > 0 {
		req.Tools = tr.defs
		req.ToolChoice = o.config.Tools.ToolChoice
	}

	events.PublishEventToContext(ctx, events.NewStartEvent(tr.meta.NewMetadata()))

	stream, err := o.eng.Stream(ctx, req)
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(tr.model, metrics.Status(true)).Inc()
		return nil, "", err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("could not close stream")
		}
	}()

	merger := NewToolCallMerger()
	speculated := map[int]int{}
	roundText := ""
	chunks := 0

	for {
		if ctx.Err() != nil {
			return nil, roundText, ctx.Err()
		}
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, roundText, ctx.Err()
			}
			if errors.Is(err, engine.ErrMalformedChunk) {
				log.Warn().Err(err).Int("chunk", chunks).Msg("skipping malformed stream chunk")
				metrics.MalformedChunksTotal.Inc()
				continue
			}
			metrics.LLMRequestsTotal.WithLabelValues(tr.model, metrics.Status(true)).Inc()
			return nil, roundText, err
		}
		chunks++

		if delta.Reasoning != "" {
			tr.msg.AppendReasoning(delta.Reasoning)
			tr.emitted += utf8.RuneCountInString(delta.Reasoning)
			events.PublishEventToContext(ctx, events.NewThinkingPartialEvent(tr.meta.NewMetadata(), delta.Reasoning, tr.msg.Reasoning))
		}
		if delta.Content != "" {
			tr.msg.AppendText(delta.Content)
			roundText += delta.Content
			tr.emitted += utf8.RuneCountInString(delta.Content)
			events.PublishEventToContext(ctx, events.NewPartialCompletionEvent(tr.meta.NewMetadata(), delta.Content, tr.msg.Content))
		}
		if len(delta.ToolCalls) > 0 {
			for _, index := range merger.AddFragments(delta.ToolCalls) {
				call, _ := merger.Get(index)
				if len(call.Arguments) == speculated[index] {
					continue
				}
				speculated[index] = len(call.Arguments)
				o.speculate(ctx, tr, call)
			}
		}
	}

	metrics.LLMRequestsTotal.WithLabelValues(tr.model, metrics.Status(false)).Inc()
	calls := merger.GetToolCalls()
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", tr.turn.Rounds, i)
		}
	}
	log.Debug().
		Int("round", tr.turn.Rounds).
		Int("chunks", chunks).
		Int("text_length", len(roundText)).
		Int("tool_calls", len(calls)).
		Msg("round streamed")
	return calls, roundText, nil
}

// speculate writes the artifact a create/update tool call is still streaming,
// so that viewers see progress before the call completes. Best effort only.
// Nothing is written until the artifact's address is complete, and updates
// only ever touch an artifact that already exists.
func (o *Orchestrator) speculate(ctx context.Context, tr *turnRun, call engine.ToolCall) {
	if o.artifacts == nil || !artifacts.IsWriteTool(call.Name) {
		return
	}
	if key, open := partialjson.OpenMember(call.Arguments); open && (key == "id" || key == "path") {
		return
	}
	args, ok := partialjson.RepairObject(call.Arguments)
	if !ok {
		return
	}
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}
	a := artifacts.Artifact{
		ID:      str("id"),
		Path:    str("path"),
		Type:    str("type"),
		Title:   str("title"),
		Content: str("content"),
	}
	if a.Content == "" && a.Title == "" {
		return
	}
	if a.ID == "" && a.Path == "" {
		return
	}
	if call.Name == artifacts.ToolUpdateArtifact {
		identifier := a.ID
		if identifier == "" {
			identifier = a.Path
		}
		existing, err := o.artifacts.Read(ctx, tr.session.ID, identifier)
		if err != nil {
			return
		}
		a.ID, a.Path = existing.ID, ""
	}

	saved, err := o.artifacts.Upsert(ctx, tr.session.ID, a, artifacts.UpsertOptions{Final: false})
	metrics.ArtifactUpsertsTotal.WithLabelValues(metrics.Status(err != nil)).Inc()
	if err != nil {
		log.Debug().Err(err).Str("tool", call.Name).Msg("speculative artifact write failed")
		return
	}
	events.PublishEventToContext(ctx, events.NewArtifactEvent(tr.meta.NewMetadata(), saved.Path, saved.Title, len(saved.Content), false))
}

func parseArguments(raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		log.Debug().Err(err).Str("arguments", raw).Msg("could not parse tool arguments, using empty object")
		return map[string]interface{}{}
	}
	return args
}

// runTools finalizes the round's tool calls into parts and history, then
// invokes them one at a time.
func (o *Orchestrator) runTools(ctx context.Context, tr *turnRun, round int, calls []engine.ToolCall, roundText string) {
	parsed := make([]map[string]interface{}, len(calls))
	for i, c := range calls {
		parsed[i] = parseArguments(c.Arguments)
		tr.msg.AppendPart(conversation.ToolCallPart(conversation.ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: parsed[i],
		}))
		events.PublishEventToContext(ctx, events.NewToolCallEvent(tr.meta.NewMetadata(), events.ToolCall{
			ID: c.ID, Name: c.Name, Input: c.Arguments,
		}))
	}

	tr.history = append(tr.history, engine.ChatMessage{
		Role:      engine.RoleAssistant,
		Content:   roundText,
		ToolCalls: calls,
	})

	for i, c := range calls {
		if ctx.Err() != nil {
			return
		}
		tr.turn.ToolCalls++

		events.PublishEventToContext(ctx, events.NewToolCallExecuteEvent(tr.meta.NewMetadata(), events.ToolCall{
			ID: c.ID, Name: c.Name, Input: c.Arguments,
		}))

		start := time.Now()
		res := o.invoke(ctx, c.Name, parsed[i])
		metrics.ToolCallDuration.WithLabelValues(c.Name).Observe(time.Since(start).Seconds())
		metrics.ToolCallsTotal.WithLabelValues(c.Name, metrics.Status(res.IsError)).Inc()

		log.Debug().
			Int("round", round).
			Str("tool", c.Name).
			Str("call", c.ID).
			Bool("is_error", res.IsError).
			Msg("tool call finished")

		tr.msg.AppendPart(conversation.ToolResultPart(conversation.ToolResult{
			CallID:  c.ID,
			Result:  res.Text,
			IsError: res.IsError,
		}))
		tr.history = append(tr.history, engine.ChatMessage{
			Role:       engine.RoleTool,
			Content:    res.Text,
			ToolCallID: c.ID,
		})
		events.PublishEventToContext(ctx, events.NewToolCallExecutionResultEvent(tr.meta.NewMetadata(), events.ToolResult{
			ID: c.ID, Name: c.Name, Result: res.Text, IsError: res.IsError,
		}))
	}
}

func (o *Orchestrator) invoke(ctx context.Context, name string, args map[string]interface{}) tools.Result {
	if o.executor == nil {
		return tools.ErrorResult("unknown tool: %s", name)
	}
	if !o.config.Tools.IsToolAllowed(name) {
		return tools.ErrorResult("tool not allowed: %s", name)
	}
	return o.executor.Invoke(ctx, name, args)
}

func (o *Orchestrator) fail(ctx context.Context, tr *turnRun, err error) {
	log.Error().Err(err).Str("session", tr.session.ID).Int("round", tr.turn.Rounds).Msg("model request failed")
	tr.msg.AppendPart(conversation.TextPart("Error: " + err.Error()))
	tr.turn.Err = err
	tr.turn.State = StateSettled
	events.PublishEventToContext(ctx, events.NewErrorEvent(tr.meta.NewMetadata(), err))
}

func (o *Orchestrator) abort(ctx context.Context, tr *turnRun) {
	log.Debug().Str("session", tr.session.ID).Int("round", tr.turn.Rounds).Msg("turn cancelled")
	tr.turn.State = StateAborted
	events.PublishEventToContext(context.WithoutCancel(ctx), events.NewInterruptEvent(tr.meta.NewMetadata(), tr.msg.Content))
}

// finish attaches timing metrics and clears the generating flag.
func (o *Orchestrator) finish(ctx context.Context, tr *turnRun, start time.Time) {
	elapsed := time.Since(start)
	tr.turn.Duration = elapsed

	tr.msg.GenerationTime = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		tr.msg.TokensPerSecond = float64(tr.emitted) / 4 / secs
	}
	tr.session.IsGenerating = false
	tr.session.Touch()

	metrics.TurnsTotal.WithLabelValues(tr.model, string(tr.turn.State)).Inc()
	metrics.TurnDuration.WithLabelValues(tr.model).Observe(elapsed.Seconds())
	metrics.RoundsPerTurn.Observe(float64(tr.turn.Rounds))

	meta := tr.meta.NewMetadata()
	ms := elapsed.Milliseconds()
	meta.DurationMs = &ms
	if tr.turn.RoundCapHit {
		meta.StopReason = "max_rounds"
	}
	events.PublishEventToContext(context.WithoutCancel(ctx), events.NewFinalEvent(meta, tr.msg.Content, string(tr.turn.State)))

	log.Debug().
		Str("session", tr.session.ID).
		Str("state", string(tr.turn.State)).
		Int("rounds", tr.turn.Rounds).
		Int("tool_calls", tr.turn.ToolCalls).
		Dur("duration", elapsed).
		Float64("tokens_per_second", tr.msg.TokensPerSecond).
		Msg("turn finished")
}
