package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrTransportClosed = errors.New("transport closed")

// sseTransport implements the HTTP+SSE transport: a long-lived GET stream
// delivers responses, and messages are POSTed to the endpoint announced as
// the stream's first event.
type sseTransport struct {
	headers  map[string]string
	client   *http.Client
	endpoint string

	cancel context.CancelFunc
	body   io.ReadCloser

	mu      sync.Mutex
	pending map[string]chan *Response
	done    chan struct{}
	err     error
}

var _ Transport = (*sseTransport)(nil)

func dialSSE(ctx context.Context, rawURL string, headers map[string]string, client *http.Client) (*sseTransport, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, errors.Errorf("event stream returned %s", resp.Status)
	}

	t := &sseTransport{
		headers: headers,
		client:  client,
		cancel:  cancel,
		body:    resp.Body,
		pending: map[string]chan *Response{},
		done:    make(chan struct{}),
	}

	endpoint := make(chan string, 1)
	go t.readLoop(base, endpoint)

	select {
	case ep := <-endpoint:
		t.endpoint = ep
		return t, nil
	case <-t.done:
		return nil, errors.Wrap(t.err, "event stream closed before announcing an endpoint")
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}
}

func (t *sseTransport) readLoop(base *url.URL, endpoint chan<- string) {
	events := newSSEReader(t.body)
	announced := false
	var err error
	for {
		var ev sseEvent
		ev, err = events.Next()
		if err != nil {
			break
		}

		if ev.Event == "endpoint" {
			ref, perr := url.Parse(ev.Data)
			if perr != nil {
				log.Warn().Err(perr).Str("endpoint", ev.Data).Msg("mcp: invalid endpoint event")
				continue
			}
			if !announced {
				announced = true
				endpoint <- base.ResolveReference(ref).String()
			}
			continue
		}

		var r Response
		if uerr := json.Unmarshal([]byte(ev.Data), &r); uerr != nil {
			log.Debug().Err(uerr).Str("data", ev.Data).Msg("mcp: skipping undecodable event")
			continue
		}
		if r.IsNotification() {
			log.Trace().Str("method", r.Method).Msg("mcp: notification")
			continue
		}

		key := idKey(r.ID)
		t.mu.Lock()
		ch, ok := t.pending[key]
		delete(t.pending, key)
		t.mu.Unlock()
		if !ok {
			log.Debug().Str("id", key).Msg("mcp: response for unknown request")
			continue
		}
		ch <- &r
	}

	if errors.Is(err, io.EOF) {
		err = ErrTransportClosed
	}
	t.mu.Lock()
	t.err = err
	t.pending = map[string]chan *Response{}
	t.mu.Unlock()
	close(t.done)
}

func (t *sseTransport) send(ctx context.Context, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "could not marshal message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not post message")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (t *sseTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	key := strconv.FormatInt(req.ID, 10)
	ch := make(chan *Response, 1)

	select {
	case <-t.done:
		return nil, t.err
	default:
	}
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()

	if err := t.send(ctx, req); err != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-t.done:
		return nil, t.err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *sseTransport) Notify(ctx context.Context, n *Notification) error {
	return t.send(ctx, n)
}

func (t *sseTransport) Close() error {
	t.cancel()
	return t.body.Close()
}
