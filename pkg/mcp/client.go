// Package mcp connects to remote tool servers speaking the Model Context
// Protocol and exposes their tools as a tools.Executor.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/forkchat/pkg/security"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	TransportSSE  = "sse"
	TransportHTTP = "http"

	defaultTimeout = 60 * time.Second
	clientName     = "forkchat"
	clientVersion  = "0.1.0"
)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	URL  string `json:"url" yaml:"url" mapstructure:"url"`
	// Transport is "sse" or "http". When empty, URLs containing "/sse" use
	// SSE and everything else streamable HTTP.
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty" mapstructure:"transport"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
	// Timeout bounds each request; zero means 60s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	// Required servers abort Connect when they cannot be reached.
	Required bool `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
}

func (c ServerConfig) UseSSE() bool {
	switch strings.ToLower(c.Transport) {
	case TransportSSE:
		return true
	case TransportHTTP:
		return false
	}
	return strings.Contains(c.URL, "/sse")
}

func (c ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.URL
}

// Client is a connected server session.
type Client struct {
	name      string
	transport Transport
	timeout   time.Duration
	nextID    atomic.Int64

	server Implementation
	tools  []Tool
}

// NewClient wraps an already open transport. Call Initialize before use.
func NewClient(name string, transport Transport) *Client {
	return &Client{name: name, transport: transport, timeout: defaultTimeout}
}

// Connect opens the configured transport, performs the handshake and lists
// the server's tools.
func Connect(ctx context.Context, cfg ServerConfig, policy security.URLPolicy) (*Client, error) {
	if err := policy.Check(cfg.URL); err != nil {
		return nil, errors.Wrapf(err, "server %s", cfg.DisplayName())
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var transport Transport
	if cfg.UseSSE() {
		// the event stream is long-lived, so only the posts get a timeout
		t, err := dialSSE(ctx, cfg.URL, cfg.Headers, &http.Client{})
		if err != nil {
			return nil, errors.Wrapf(err, "could not connect to %s", cfg.DisplayName())
		}
		transport = t
	} else {
		transport = newHTTPTransport(cfg.URL, cfg.Headers, &http.Client{Timeout: timeout})
	}

	c := NewClient(cfg.DisplayName(), transport)
	c.timeout = timeout
	if err := c.Initialize(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}
	if _, err := c.ListTools(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Server() Implementation {
	return c.server
}

// Tools returns the tools listed at connect time.
func (c *Client) Tools() []Tool {
	return c.tools
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &Request{
		JSONRPC: JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", c.name, method)
	}
	if resp.Error != nil {
		return errors.Wrapf(resp.Error, "%s %s", c.name, method)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.Wrapf(err, "%s %s: could not decode result", c.name, method)
	}
	return nil
}

func (c *Client) Initialize(ctx context.Context) error {
	var res InitializeResult
	err := c.call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	}, &res)
	if err != nil {
		return err
	}
	c.server = res.ServerInfo

	if err := c.transport.Notify(ctx, &Notification{JSONRPC: JSONRPCVersion, Method: MethodInitialized}); err != nil {
		return errors.Wrapf(err, "%s: initialized notification", c.name)
	}
	log.Debug().
		Str("server", c.name).
		Str("server_name", res.ServerInfo.Name).
		Str("server_version", res.ServerInfo.Version).
		Str("protocol", res.ProtocolVersion).
		Msg("mcp: initialized")
	return nil
}

// ListTools fetches all pages of the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for page := 0; ; page++ {
		if page > 100 {
			return nil, errors.Errorf("%s: too many tool pages", c.name)
		}
		var res ToolsListResult
		if err := c.call(ctx, MethodToolsList, ToolsListParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	c.tools = all
	return all, nil
}

// CallTool invokes name on the server. A tool-level failure is reported in
// the result's IsError; the error return is for protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolsCallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var res ToolsCallResult
	if err := c.call(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Close() error {
	return c.transport.Close()
}

// Text joins the text content items with newlines. Images and embedded
// resources are not passed on.
func (r *ToolsCallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, item := range r.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}
