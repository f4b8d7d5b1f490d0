package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/mcp"
	"github.com/go-go-golems/forkchat/pkg/settings"
	"github.com/go-go-golems/forkchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	deltas []engine.Delta
	i      int
}

func (s *sliceStream) Recv() (engine.Delta, error) {
	if s.i >= len(s.deltas) {
		return engine.Delta{}, io.EOF
	}
	d := s.deltas[s.i]
	s.i++
	return d, nil
}

func (s *sliceStream) Close() error {
	return nil
}

// replyEngine answers every turn with the next reply and title requests with
// title.
type replyEngine struct {
	mu      sync.Mutex
	replies []string
	n       int
	title   string
}

func (e *replyEngine) Stream(_ context.Context, req *engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Sampling.MaxTokens != nil {
		return &sliceStream{deltas: []engine.Delta{{Content: e.title}}}, nil
	}
	reply := e.replies[e.n%len(e.replies)]
	e.n++
	half := len(reply) / 2
	return &sliceStream{deltas: []engine.Delta{
		{Content: reply[:half]},
		{Content: reply[half:]},
		{FinishReason: "stop"},
	}}, nil
}

func newTestServer(t *testing.T, eng engine.Engine, generateTitle bool) (*server, *httptest.Server) {
	t.Helper()
	kv := store.NewMemoryStore()
	s := &settings.ChatSettings{
		Model:         "test-model",
		MaxRounds:     5,
		GenerateTitle: generateTitle,
		Tools:         tools.DefaultToolConfig(),
		Artifacts:     true,
	}
	a := &app{
		settings:  s,
		store:     kv,
		repo:      conversation.NewStoreRepository(kv),
		artifacts: artifacts.NewKVStore(kv),
		registry:  tools.NewLocalRegistry(),
		mcp:       mcp.NewManager(),
		engine:    eng,
	}
	require.NoError(t, artifacts.RegisterTools(a.registry, a.artifacts))
	a.executor = tools.NewRouter(s.Tools, a.registry, a.mcp)

	srv := newServer(a)
	ts := httptest.NewServer(srv.routes(nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func createSession(t *testing.T, ts *httptest.Server) *conversation.ChatSession {
	t.Helper()
	var s conversation.ChatSession
	code := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", `{"title":"demo"}`, &s)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, s.ID)
	return &s
}

type threadEntry struct {
	ID          conversation.MessageID `json:"id"`
	Role        conversation.Role      `json:"role"`
	Content     string                 `json:"content"`
	BranchIndex int                    `json:"branchIndex"`
	BranchCount int                    `json:"branchCount"`
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"x"}}, false)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostMessageRunsTurn(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"Hi there"}}, false)
	s := createSession(t, ts)

	var turn turnResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, &turn)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "settled", turn.State)
	assert.Equal(t, 1, turn.Rounds)
	require.NotNil(t, turn.Message)
	assert.Equal(t, "Hi there", turn.Message.Content)

	var thread []threadEntry
	code = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID+"/thread", "", &thread)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, thread, 2)
	assert.Equal(t, conversation.RoleUser, thread[0].Role)
	assert.Equal(t, "hello", thread[0].Content)
	assert.Equal(t, "Hi there", thread[1].Content)
}

func TestRegenerateAndNavigate(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"first", "second"}}, false)
	s := createSession(t, ts)

	var turn turnResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, &turn))
	firstID := turn.Message.ID

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost,
		ts.URL+"/api/sessions/"+s.ID+"/messages/"+firstID.String()+"/regenerate", "", &turn))
	assert.Equal(t, "second", turn.Message.Content)
	assert.NotEqual(t, firstID, turn.Message.ID)

	var thread []threadEntry
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID+"/thread", "", &thread)
	require.Len(t, thread, 2)
	assert.Equal(t, "second", thread[1].Content)
	assert.Equal(t, 1, thread[1].BranchIndex)
	assert.Equal(t, 2, thread[1].BranchCount)

	var session conversation.ChatSession
	code := doJSON(t, http.MethodPost,
		ts.URL+"/api/sessions/"+s.ID+"/messages/"+turn.Message.ID.String()+"/navigate", `{"direction":"previous"}`, &session)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, firstID, session.CurrentLeafID)
}

func TestEditUserMessageForksAndRuns(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"one", "two"}}, false)
	s := createSession(t, ts)

	var turn turnResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, &turn)

	var thread []threadEntry
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID+"/thread", "", &thread)
	userID := thread[0].ID

	code := doJSON(t, http.MethodPost,
		ts.URL+"/api/sessions/"+s.ID+"/messages/"+userID.String()+"/edit", `{"content":"hello again"}`, &turn)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "two", turn.Message.Content)

	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID+"/thread", "", &thread)
	require.Len(t, thread, 2)
	assert.Equal(t, "hello again", thread[0].Content)
	assert.Equal(t, 2, thread[0].BranchCount)

	var session conversation.ChatSession
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID, "", &session)
	assert.Len(t, session.Messages, 4)
}

func TestDeleteMessageMovesLeaf(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"reply"}}, false)
	s := createSession(t, ts)

	var turn turnResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, &turn)

	var session conversation.ChatSession
	code := doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+s.ID+"/messages/"+turn.Message.ID.String(), "", &session)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, session.Messages, 1)
	assert.Equal(t, turn.Message.ParentID, session.CurrentLeafID)

	var errResp map[string]string
	code = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+s.ID+"/messages/"+turn.Message.ID.String(), "", &errResp)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"x"}}, false)
	var errResp map[string]string
	code := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/nope/messages", `{"content":"hello"}`, &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, errResp["error"], "session not found")
}

func lockCount(srv *server) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.locks)
}

func TestSessionLocksAreReleased(t *testing.T) {
	srv, ts := newTestServer(t, &replyEngine{replies: []string{"Hi"}, title: "Greeting"}, true)
	s := createSession(t, ts)

	code := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, nil)
	require.Equal(t, http.StatusOK, code)
	code = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/nope/messages", `{"content":"hello"}`, nil)
	require.Equal(t, http.StatusNotFound, code)
	srv.wait()
	assert.Equal(t, 0, lockCount(srv))

	code = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+s.ID, "", nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, 0, lockCount(srv))
}

func TestSessionLockSerializes(t *testing.T) {
	srv := newServer(nil)
	l := srv.lock("a")

	acquired := make(chan struct{})
	go func() {
		second := srv.lock("a")
		close(acquired)
		second.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock()
	<-acquired

	require.Eventually(t, func() bool { return lockCount(srv) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPostMessageRejectsEmptyContent(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"x"}}, false)
	s := createSession(t, ts)
	var errResp map[string]string
	code := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":""}`, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPostMessageStreamsEvents(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"streamed"}}, false)
	s := createSession(t, ts)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", strings.NewReader(`{"content":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "event: partial\n")
	assert.Contains(t, body, "event: final\n")
	assert.Contains(t, body, "event: turn\n")
	assert.Less(t, strings.Index(body, "event: partial"), strings.Index(body, "event: turn"))
}

func TestTitleIsSavedAfterFirstExchange(t *testing.T) {
	srv, ts := newTestServer(t, &replyEngine{replies: []string{"Hello!"}, title: "Greeting"}, true)

	var s conversation.ChatSession
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, ts.URL+"/api/sessions", "", &s))

	var turn turnResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hi"}`, &turn)
	srv.wait()

	var session conversation.ChatSession
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+s.ID, "", &session)
	assert.Equal(t, "Greeting", session.Title)

	var summaries []conversation.SessionSummary
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions", "", &summaries)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Greeting", summaries[0].Title)
	assert.Equal(t, 2, summaries[0].Messages)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &replyEngine{replies: []string{"x"}}, false)
	s := createSession(t, ts)
	doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/messages", `{"content":"hello"}`, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "forkchat_turns_total")
}
