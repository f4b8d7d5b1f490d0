package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sessionHeader = "Mcp-Session-Id"

// Transport carries JSON-RPC messages to one server.
type Transport interface {
	Call(ctx context.Context, req *Request) (*Response, error)
	Notify(ctx context.Context, n *Notification) error
	Close() error
}

// httpTransport implements the streamable HTTP transport: every message is a
// POST and the reply is either a JSON body or an event stream carrying it.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	sessionID string
}

var _ Transport = (*httpTransport)(nil)

func newHTTPTransport(url string, headers map[string]string, client *http.Client) *httpTransport {
	return &httpTransport{url: url, headers: headers, client: client}
}

func (t *httpTransport) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.url, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()
	return req, nil
}

func (t *httpTransport) post(ctx context.Context, msg interface{}) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal message")
	}
	req, err := t.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	if id := resp.Header.Get(sessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (t *httpTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	want := strconv.FormatInt(req.ID, 10)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		events := newSSEReader(resp.Body)
		for {
			ev, err := events.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil, errors.Errorf("stream ended without a response to %s", req.Method)
				}
				return nil, errors.Wrap(err, "could not read event stream")
			}
			var r Response
			if err := json.Unmarshal([]byte(ev.Data), &r); err != nil {
				log.Debug().Err(err).Str("data", ev.Data).Msg("mcp: skipping undecodable event")
				continue
			}
			if r.IsNotification() || idKey(r.ID) != want {
				continue
			}
			return &r, nil
		}
	}

	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrapf(err, "could not decode response to %s", req.Method)
	}
	if idKey(r.ID) != want {
		return nil, errors.Errorf("response id %s does not match request id %s", idKey(r.ID), want)
	}
	return &r, nil
}

func (t *httpTransport) Notify(ctx context.Context, n *Notification) error {
	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close ends the server session if one was assigned.
func (t *httpTransport) Close() error {
	t.mu.Lock()
	id := t.sessionID
	t.mu.Unlock()
	if id == "" {
		return nil
	}
	req, err := t.newRequest(context.Background(), http.MethodDelete, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not end session")
	}
	return resp.Body.Close()
}
