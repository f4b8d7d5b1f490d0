package orchestrator

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	titleSystemPrompt = "You write titles for conversations. Reply with a short title of at most six words. No quotes, no punctuation at the end."
	titleTimeout      = 30 * time.Second
	maxTitleLength    = 80
)

// shouldGenerateTitle is true after the first complete exchange of an
// untitled session.
func (o *Orchestrator) shouldGenerateTitle(tr *turnRun) bool {
	if !o.config.GenerateTitle || tr.turn.State != StateSettled || tr.turn.Err != nil {
		return false
	}
	if tr.session.GetTitle() != "" {
		return false
	}
	thread := tr.session.ActiveThread()
	return len(thread) == 2 &&
		thread[0].Role == conversation.RoleUser &&
		thread[1].ID == tr.msg.ID
}

func (o *Orchestrator) startTitle(ctx context.Context, s *conversation.ChatSession) {
	thread := s.ActiveThread()
	user, assistant := messageText(thread[0]), messageText(thread[1])
	sessionID := s.ID
	model := thread[1].Model

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()

		title, err := o.GenerateTitle(ctx, model, user, assistant)
		if err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("could not generate title")
			return
		}
		if title == "" {
			return
		}
		s.SetTitle(title)
		log.Debug().Str("session", sessionID).Str("title", title).Msg("session titled")
		events.PublishEventToContext(ctx, events.NewTitleEvent(events.EventMetadata{SessionID: sessionID, Model: model}.NewMetadata(), title))
		if o.onTitle != nil {
			o.onTitle(ctx, sessionID, title)
		}
	}()
}

// GenerateTitle asks the model for a short title of a user/assistant
// exchange. It uses the same streaming path as turns, without tools.
func (o *Orchestrator) GenerateTitle(ctx context.Context, model string, user string, assistant string) (string, error) {
	maxTokens := 24
	req := &engine.Request{
		Model: model,
		Messages: []engine.ChatMessage{
			{Role: engine.RoleSystem, Content: titleSystemPrompt},
			{Role: engine.RoleUser, Content: "User: " + user + "\n\nAssistant: " + assistant},
		},
		Sampling: engine.Sampling{MaxTokens: &maxTokens},
	}

	stream, err := o.eng.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = stream.Close()
	}()

	var b strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, engine.ErrMalformedChunk) {
			continue
		}
		if err != nil {
			return "", err
		}
		b.WriteString(delta.Content)
	}
	return cleanTitle(b.String()), nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#")
	s = strings.TrimRight(strings.TrimSpace(s), ".")
	if utf8.RuneCountInString(s) > maxTitleLength {
		s = string([]rune(s)[:maxTitleLength])
	}
	return strings.TrimSpace(s)
}
