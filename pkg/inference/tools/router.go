package tools

import (
	"context"
	"time"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/rs/zerolog/log"
)

// Router dispatches a tool name to the first executor that has it. Local
// executors should come first so that they shadow remote tools of the same
// name.
type Router struct {
	executors []Executor
	config    ToolConfig
}

var _ Executor = (*Router)(nil)

func NewRouter(config ToolConfig, executors ...Executor) *Router {
	return &Router{executors: executors, config: config}
}

func (r *Router) resolve(name string) Executor {
	for _, e := range r.executors {
		if e != nil && e.HasTool(name) {
			return e
		}
	}
	return nil
}

func (r *Router) HasTool(name string) bool {
	return r.config.IsToolAllowed(name) && r.resolve(name) != nil
}

// Definitions lists all allowed tools, the first executor winning on
// duplicate names.
func (r *Router) Definitions() []engine.ToolDefinition {
	if !r.config.Enabled {
		return nil
	}
	seen := map[string]bool{}
	var ret []engine.ToolDefinition
	for _, e := range r.executors {
		if e == nil {
			continue
		}
		for _, d := range e.Definitions() {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			ret = append(ret, d)
		}
	}
	return r.config.FilterDefinitions(ret)
}

func (r *Router) Invoke(ctx context.Context, name string, args map[string]interface{}) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("tool", name).Interface("panic", p).Msg("tool executor panicked")
			res = ErrorResult("tool %s failed: %v", name, p)
		}
	}()

	if !r.config.IsToolAllowed(name) {
		return ErrorResult("tool not allowed: %s", name)
	}
	target := r.resolve(name)
	if target == nil {
		return ErrorResult("unknown tool: %s", name)
	}

	if r.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ExecutionTimeout)
		defer cancel()
	}

	start := time.Now()
	res = target.Invoke(ctx, name, args)
	log.Debug().
		Str("tool", name).
		Bool("is_error", res.IsError).
		Dur("duration", time.Since(start)).
		Int("result_length", len(res.Text)).
		Msg("tool invocation finished")
	return res
}
