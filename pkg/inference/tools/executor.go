package tools

import (
	"context"
	"fmt"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
)

// Result is the textual outcome of a tool invocation. Failures are reported
// with IsError set and a human readable Text, never as a Go error.
type Result struct {
	Text    string
	IsError bool
}

func ErrorResult(format string, args ...interface{}) Result {
	return Result{Text: fmt.Sprintf(format, args...), IsError: true}
}

// Executor resolves a tool by name and runs it. Invoke must not panic and
// must honor ctx cancellation where the underlying tool can.
type Executor interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) Result
	HasTool(name string) bool
	// Definitions lists the tools in the form sent with a request.
	Definitions() []engine.ToolDefinition
}
