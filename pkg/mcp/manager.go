package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/security"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.GetTracerProvider().Tracer("forkchat/mcp")

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Manager holds the connected servers and routes tool calls by name. When
// two servers expose the same tool name, the one configured first wins.
type Manager struct {
	policy security.URLPolicy

	mu      sync.RWMutex
	clients []*Client
	byTool  map[string]*Client
	defs    []engine.ToolDefinition
}

var _ tools.Executor = (*Manager)(nil)

type ManagerOption func(*Manager)

func WithURLPolicy(policy security.URLPolicy) ManagerOption {
	return func(m *Manager) { m.policy = policy }
}

func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		policy: security.LocalPolicy(),
		byTool: map[string]*Client{},
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// ErrRequiredServer is returned by Connect when a server marked required
// could not be connected.
var ErrRequiredServer = errors.New("required mcp server unavailable")

// Connect dials all servers in parallel. Servers that connect are added even
// when optional ones fail; the returned error names the failed ones. A
// failing required server cancels the remaining dials, nothing is added and
// the error wraps ErrRequiredServer.
func (m *Manager) Connect(ctx context.Context, servers []ServerConfig) error {
	clients := make([]*Client, len(servers))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, cfg := range servers {
		eg.Go(func() error {
			c, err := Connect(egCtx, cfg, m.policy)
			if err != nil {
				if cfg.Required {
					return errors.Wrapf(ErrRequiredServer, "%s: %v", cfg.DisplayName(), err)
				}
				log.Warn().Err(err).Str("server", cfg.DisplayName()).Msg("mcp: could not connect")
				return nil
			}
			clients[i] = c
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
		return err
	}

	var failed []string
	for i, c := range clients {
		if c == nil {
			failed = append(failed, servers[i].DisplayName())
			continue
		}
		m.Add(c)
	}
	if len(failed) > 0 {
		return errors.Errorf("could not connect to %s", strings.Join(failed, ", "))
	}
	return nil
}

// Add registers the tools of an initialized client.
func (m *Manager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients = append(m.clients, c)
	for _, t := range c.Tools() {
		if owner, ok := m.byTool[t.Name]; ok {
			log.Warn().
				Str("tool", t.Name).
				Str("server", c.Name()).
				Str("owner", owner.Name()).
				Msg("mcp: tool name already taken, ignoring")
			continue
		}
		m.byTool[t.Name] = c
		params := t.InputSchema
		if len(params) == 0 || string(params) == "null" {
			params = emptyObjectSchema
		}
		m.defs = append(m.defs, engine.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	log.Info().Str("server", c.Name()).Int("tools", len(c.Tools())).Msg("mcp: server connected")
}

func (m *Manager) Clients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Client(nil), m.clients...)
}

func (m *Manager) HasTool(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byTool[name]
	return ok
}

func (m *Manager) Definitions() []engine.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.ToolDefinition(nil), m.defs...)
}

// Invoke calls the tool on its server. Transport and protocol failures are
// returned as error results, never as Go errors.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]interface{}) tools.Result {
	m.mu.RLock()
	c, ok := m.byTool[name]
	m.mu.RUnlock()
	if !ok {
		return tools.ErrorResult("unknown tool: %s", name)
	}

	ctx, span := tracer.Start(ctx, "mcp.call_tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.server", c.Name()),
		attribute.String("mcp.tool", name),
	)

	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug().Err(err).Str("server", c.Name()).Str("tool", name).Msg("mcp: tool call failed")
		return tools.ErrorResult("tool %s failed: %v", name, err)
	}
	text := res.Text()
	span.SetAttributes(
		attribute.Int("mcp.result_length", len(text)),
		attribute.Bool("mcp.is_error", res.IsError),
	)
	return tools.Result{Text: text, IsError: res.IsError}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("server", c.Name()).Msg("mcp: close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.clients = nil
	m.byTool = map[string]*Client{}
	m.defs = nil
	return firstErr
}
