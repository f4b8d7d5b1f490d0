package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/orchestrator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions and generation over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			origins, _ := cmd.Flags().GetStringSlice("cors-origin")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, appOptions{connectMCP: true})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			srv := newServer(a)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.routes(origins),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("serving")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("shutdown")
			}
			srv.wait()
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8089", "Listen address")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origins")
	return cmd
}

// server exposes the session repository and the orchestrator. Turns and
// structural edits of one session are serialized by a per-session lock that
// stays held until a late title has been saved.
type server struct {
	app *app

	mu    sync.Mutex
	locks map[string]*sessionLock
	wg    sync.WaitGroup
}

// sessionLock is dropped from the server's map once nobody holds or waits
// for it.
type sessionLock struct {
	s    *server
	id   string
	mu   sync.Mutex
	refs int
}

func newServer(a *app) *server {
	return &server{app: a, locks: map[string]*sessionLock{}}
}

func (s *server) lock(id string) *sessionLock {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{s: s, id: id}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (l *sessionLock) Unlock() {
	l.mu.Unlock()

	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(l.s.locks, l.id)
	}
}

func (s *server) wait() {
	s.wg.Wait()
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Get("/{sessionID}/thread", s.handleGetThread)
			r.Get("/{sessionID}/artifacts", s.handleListArtifacts)
			r.Put("/{sessionID}/title", s.handleSetTitle)
			r.Put("/{sessionID}/leaf", s.handleSetLeaf)
			r.Post("/{sessionID}/messages/{messageID}/navigate", s.handleNavigate)
			r.Delete("/{sessionID}/messages/{messageID}", s.handleDeleteMessage)
		})
		// generation may outlast the default timeout
		r.Post("/{sessionID}/messages", s.handlePostMessage)
		r.Post("/{sessionID}/messages/{messageID}/edit", s.handleEditMessage)
		r.Post("/{sessionID}/messages/{messageID}/regenerate", s.handleRegenerate)
	})

	return r
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("could not encode response")
		http.Error(w, "could not encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *server) respondWithRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrSessionNotFound) {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Error().Err(err).Msg("repository error")
	respondWithError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer func() {
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.app.repo.List(r.Context())
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summaries)
}

type createSessionRequest struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"systemPrompt"`
	Model        string `json:"model"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = s.app.settings.SystemPrompt
	}
	if req.Model == "" {
		req.Model = s.app.settings.Model
	}
	session, err := s.app.repo.Create(r.Context(),
		conversation.WithTitle(req.Title),
		conversation.WithSystemPrompt(req.SystemPrompt),
		conversation.WithSessionModel(req.Model))
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, session)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.app.repo.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	l := s.lock(id)
	defer l.Unlock()
	if err := s.app.repo.Delete(r.Context(), id); err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type threadMessage struct {
	*conversation.Message
	BranchIndex int `json:"branchIndex"`
	BranchCount int `json:"branchCount"`
}

func (s *server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	session, err := s.app.repo.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	thread := session.ActiveThread()
	ret := make([]threadMessage, 0, len(thread))
	for _, m := range thread {
		idx, count := session.BranchPosition(m.ID)
		ret = append(ret, threadMessage{Message: m, BranchIndex: idx, BranchCount: count})
	}
	respondWithJSON(w, http.StatusOK, ret)
}

func (s *server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.artifacts.List(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		log.Error().Err(err).Msg("could not list artifacts")
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

// mutate loads a session under its lock, applies f and stores the result.
func (s *server) mutate(w http.ResponseWriter, r *http.Request, f func(session *conversation.ChatSession) (int, error)) {
	id := chi.URLParam(r, "sessionID")
	l := s.lock(id)
	defer l.Unlock()

	session, err := s.app.repo.Get(r.Context(), id)
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	code, err := f(session)
	if err != nil {
		respondWithError(w, code, err.Error())
		return
	}
	if err := s.app.repo.Put(r.Context(), session); err != nil {
		s.respondWithRepoError(w, err)
		return
	}
	respondWithJSON(w, code, session)
}

func (s *server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mutate(w, r, func(session *conversation.ChatSession) (int, error) {
		session.SetTitle(req.Title)
		return http.StatusOK, nil
	})
}

func (s *server) handleSetLeaf(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID conversation.MessageID `json:"messageId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mutate(w, r, func(session *conversation.ChatSession) (int, error) {
		if err := session.SetCurrentLeaf(req.MessageID); err != nil {
			return http.StatusNotFound, err
		}
		return http.StatusOK, nil
	})
}

func (s *server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction string `json:"direction"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var direction conversation.Direction
	switch req.Direction {
	case "next":
		direction = conversation.Next
	case "previous", "prev":
		direction = conversation.Previous
	default:
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown direction %q", req.Direction))
		return
	}
	messageID := conversation.MessageID(chi.URLParam(r, "messageID"))
	s.mutate(w, r, func(session *conversation.ChatSession) (int, error) {
		if _, ok := session.NavigateBranch(messageID, direction); !ok {
			return http.StatusConflict, errors.Errorf("message %s has no sibling to switch to", messageID)
		}
		return http.StatusOK, nil
	})
}

func (s *server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := conversation.MessageID(chi.URLParam(r, "messageID"))
	s.mutate(w, r, func(session *conversation.ChatSession) (int, error) {
		if session.DeleteMessage(messageID) == 0 {
			return http.StatusNotFound, errors.Wrap(conversation.ErrMessageNotFound, messageID.String())
		}
		return http.StatusOK, nil
	})
}

type turnResponse struct {
	TurnID      string                `json:"turnId"`
	State       string                `json:"state"`
	Rounds      int                   `json:"rounds"`
	ToolCalls   int                   `json:"toolCalls"`
	RoundCapHit bool                  `json:"roundCapHit,omitempty"`
	Error       string                `json:"error,omitempty"`
	Message     *conversation.Message `json:"message"`
}

type postMessageRequest struct {
	Content     string                    `json:"content"`
	ParentID    conversation.MessageID    `json:"parentId,omitempty"`
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		respondWithError(w, http.StatusBadRequest, "content is empty")
		return
	}
	s.generate(w, r, func(ctx context.Context, o *orchestrator.Orchestrator, session *conversation.ChatSession) (*orchestrator.Turn, int, error) {
		var options []conversation.AddOption
		if req.ParentID != conversation.NullID {
			options = append(options, conversation.WithParentID(req.ParentID))
		}
		msg := conversation.NewUserMessage(req.Content, conversation.WithAttachments(req.Attachments...))
		if _, err := session.AddMessage(msg, options...); err != nil {
			return nil, http.StatusNotFound, err
		}
		turn, err := o.Run(ctx, session)
		return turn, http.StatusInternalServerError, err
	})
}

func (s *server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	messageID := conversation.MessageID(chi.URLParam(r, "messageID"))
	s.generate(w, r, func(ctx context.Context, o *orchestrator.Orchestrator, session *conversation.ChatSession) (*orchestrator.Turn, int, error) {
		fork := session.EditMessage(messageID, req.Content)
		if fork == nil {
			return nil, http.StatusNotFound, errors.Wrap(conversation.ErrMessageNotFound, messageID.String())
		}
		if fork.Role != conversation.RoleUser {
			// edited assistant replies are stored without a new turn
			return nil, http.StatusOK, nil
		}
		turn, err := o.Run(ctx, session)
		return turn, http.StatusInternalServerError, err
	})
}

func (s *server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	messageID := conversation.MessageID(chi.URLParam(r, "messageID"))
	s.generate(w, r, func(ctx context.Context, o *orchestrator.Orchestrator, session *conversation.ChatSession) (*orchestrator.Turn, int, error) {
		turn, err := o.Regenerate(ctx, session, messageID)
		if errors.Is(err, conversation.ErrMessageNotFound) {
			return nil, http.StatusNotFound, err
		}
		return turn, http.StatusBadRequest, err
	})
}

type turnFunc func(ctx context.Context, o *orchestrator.Orchestrator, session *conversation.ChatSession) (*orchestrator.Turn, int, error)

// generate runs f against the stored session under its lock. With
// "Accept: text/event-stream" the turn events are streamed to the client
// before the final turn summary; otherwise the summary is returned as JSON.
func (s *server) generate(w http.ResponseWriter, r *http.Request, f turnFunc) {
	id := chi.URLParam(r, "sessionID")
	l := s.lock(id)
	unlocked := false
	defer func() {
		if !unlocked {
			l.Unlock()
		}
	}()

	session, err := s.app.repo.Get(r.Context(), id)
	if err != nil {
		s.respondWithRepoError(w, err)
		return
	}

	var sse *sseSink
	var sinks []events.EventSink
	if r.Header.Get("Accept") == "text/event-stream" {
		sse, err = newSSESink(w)
		if err != nil {
			respondWithError(w, http.StatusNotAcceptable, err.Error())
			return
		}
		sinks = append(sinks, sse)
	}

	o := s.app.newOrchestrator(sinks...)
	turn, code, err := f(r.Context(), o, session)
	if sse != nil {
		sse.close()
	}
	if err != nil {
		if sse != nil {
			sse.writeEvent("failed", map[string]string{"error": err.Error()})
			return
		}
		respondWithError(w, code, err.Error())
		return
	}
	if turn == nil {
		// nothing was generated; store the structural change
		if err := s.app.repo.Put(r.Context(), session); err != nil {
			s.respondWithRepoError(w, err)
			return
		}
		if sse != nil {
			sse.writeEvent("session", session)
			return
		}
		respondWithJSON(w, code, session)
		return
	}

	// keep the session locked until a late title has been written
	unlocked = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Unlock()
		o.Wait()
	}()

	resp := turnResponse{
		TurnID:      turn.ID,
		State:       string(turn.State),
		Rounds:      turn.Rounds,
		ToolCalls:   turn.ToolCalls,
		RoundCapHit: turn.RoundCapHit,
	}
	if turn.Err != nil {
		resp.Error = turn.Err.Error()
	}
	if m, ok := session.Message(turn.MessageID); ok {
		resp.Message = m
	}
	if sse != nil {
		sse.writeEvent("turn", resp)
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// sseSink writes turn events as server-sent events. Events published after
// close, such as a late title, are dropped.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

var _ events.EventSink = (*sseSink)(nil)

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming is not supported by this connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) PublishEvent(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.write(string(event.Type()), event)
}

func (s *sseSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// writeEvent writes a frame after close; used for the final summary.
func (s *sseSink) writeEvent(name string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(name, v); err != nil {
		log.Debug().Err(err).Msg("could not write event")
	}
}

func (s *sseSink) write(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
