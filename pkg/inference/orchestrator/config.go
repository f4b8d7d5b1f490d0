package orchestrator

import (
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
)

// DefaultMaxRounds is also the hard upper bound on rounds per turn.
const DefaultMaxRounds = 5

type Config struct {
	// Model overrides the session's model when set.
	Model string `json:"model" yaml:"model" mapstructure:"model"`
	// SystemPrompt is used when the session has none of its own.
	SystemPrompt string          `json:"system_prompt" yaml:"system_prompt" mapstructure:"system_prompt"`
	Sampling     engine.Sampling `json:"sampling" yaml:"sampling" mapstructure:"sampling"`
	// MaxRounds outside 1..DefaultMaxRounds is clamped to DefaultMaxRounds.
	MaxRounds     int              `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds"`
	Tools         tools.ToolConfig `json:"tools" yaml:"tools" mapstructure:"tools"`
	GenerateTitle bool             `json:"generate_title" yaml:"generate_title" mapstructure:"generate_title"`
}

func DefaultConfig() Config {
	return Config{
		MaxRounds:     DefaultMaxRounds,
		Tools:         tools.DefaultToolConfig(),
		GenerateTitle: true,
	}
}

func (c Config) EffectiveMaxRounds() int {
	if c.MaxRounds <= 0 || c.MaxRounds > DefaultMaxRounds {
		return DefaultMaxRounds
	}
	return c.MaxRounds
}
