package tools

import (
	"time"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
)

// ToolConfig specifies how tools are offered to the model and run.
type ToolConfig struct {
	Enabled          bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ToolChoice       engine.ToolChoice `json:"tool_choice" yaml:"tool_choice" mapstructure:"tool_choice"`
	ExecutionTimeout time.Duration     `json:"execution_timeout" yaml:"execution_timeout" mapstructure:"execution_timeout"`
	// AllowedTools restricts the offered tools to the names matching one of
	// its glob patterns (e.g. "fs_*"); nil allows all.
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools" mapstructure:"allowed_tools"`
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Enabled:          true,
		ToolChoice:       engine.ToolChoiceAuto,
		ExecutionTimeout: 60 * time.Second,
	}
}

func (tc ToolConfig) WithEnabled(enabled bool) ToolConfig {
	tc.Enabled = enabled
	return tc
}

func (tc ToolConfig) WithToolChoice(choice engine.ToolChoice) ToolConfig {
	tc.ToolChoice = choice
	return tc
}

func (tc ToolConfig) WithExecutionTimeout(timeout time.Duration) ToolConfig {
	tc.ExecutionTimeout = timeout
	return tc
}

func (tc ToolConfig) WithAllowedTools(toolNames []string) ToolConfig {
	tc.AllowedTools = toolNames
	return tc
}

func (tc ToolConfig) IsToolAllowed(name string) bool {
	if tc.AllowedTools == nil {
		return true
	}
	for _, pattern := range tc.AllowedTools {
		if pattern == name {
			return true
		}
		matching, err := glob.Match(pattern, name)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid allowed tool pattern")
			continue
		}
		if matching {
			return true
		}
	}
	return false
}

// FilterDefinitions drops the definitions that are not allowed.
func (tc ToolConfig) FilterDefinitions(defs []engine.ToolDefinition) []engine.ToolDefinition {
	if tc.AllowedTools == nil {
		return defs
	}
	ret := make([]engine.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if tc.IsToolAllowed(d.Name) {
			ret = append(ret, d)
		}
	}
	return ret
}
