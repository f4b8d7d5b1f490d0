package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LocalRegistry runs tools implemented as Go functions in-process.
type LocalRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

var _ Executor = (*LocalRegistry)(nil)

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		tools: make(map[string]*ToolDefinition),
	}
}

func (r *LocalRegistry) RegisterTool(def *ToolDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if err := def.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	return nil
}

// RegisterFunc is NewToolFromFunc followed by RegisterTool.
func (r *LocalRegistry) RegisterFunc(name, description string, fn interface{}) error {
	def, err := NewToolFromFunc(name, description, fn)
	if err != nil {
		return errors.Wrapf(err, "could not create tool %s", name)
	}
	return r.RegisterTool(def)
}

func (r *LocalRegistry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *LocalRegistry) GetTool(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

func (r *LocalRegistry) HasTool(name string) bool {
	_, ok := r.GetTool(name)
	return ok
}

// ListTools returns the registered tools sorted by name.
func (r *LocalRegistry) ListTools() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]*ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		ret = append(ret, def)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (r *LocalRegistry) Definitions() []engine.ToolDefinition {
	defs := r.ListTools()
	ret := make([]engine.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		ret = append(ret, engine.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.schemaJSON,
		})
	}
	return ret
}

// Invoke validates args against the tool's schema and runs it. Panics in the
// tool are reported as error results.
func (r *LocalRegistry) Invoke(ctx context.Context, name string, args map[string]interface{}) (result Result) {
	def, ok := r.GetTool(name)
	if !ok {
		return ErrorResult("tool not found: %s", name)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("tool", name).Interface("panic", p).Msg("tool panicked")
			result = ErrorResult("tool %s failed: %v", name, p)
		}
	}()

	if err := def.Validate(args); err != nil {
		return ErrorResult("invalid arguments for %s: %v", name, err)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ErrorResult("could not encode arguments for %s: %v", name, err)
	}

	log.Debug().Str("tool", name).RawJSON("args", raw).Msg("invoking local tool")
	out, err := def.Function.ExecuteWithContext(ctx, raw)
	if err != nil {
		return Result{Text: err.Error(), IsError: true}
	}
	return Result{Text: FormatOutput(out)}
}

// FormatOutput renders a tool's return value as the text handed to the model.
func FormatOutput(out interface{}) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(b)
}
