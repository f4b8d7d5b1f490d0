// Package settings loads the chat configuration from viper: config file,
// FORKCHAT_* environment variables and command line flags.
package settings

import (
	"strings"
	"time"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/orchestrator"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/mcp"
	"github.com/go-go-golems/forkchat/pkg/security"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

type StoreSettings struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	// Dir is the pebble directory.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`
	// Compress stores session blobs brotli-compressed.
	Compress bool `json:"compress" yaml:"compress" mapstructure:"compress"`
}

type ChatSettings struct {
	Model        string          `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL      string          `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey       string          `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	Timeout      time.Duration   `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	SystemPrompt string          `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Sampling     engine.Sampling `json:"sampling" yaml:"sampling" mapstructure:"sampling"`

	MaxRounds     int              `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds"`
	GenerateTitle bool             `json:"generate_title" yaml:"generate_title" mapstructure:"generate_title"`
	Tools         tools.ToolConfig `json:"tools" yaml:"tools" mapstructure:"tools"`
	Artifacts     bool             `json:"artifacts" yaml:"artifacts" mapstructure:"artifacts"`

	MCPServers []mcp.ServerConfig  `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty" mapstructure:"mcp_servers"`
	URLPolicy  security.URLPolicy `json:"url_policy" yaml:"url_policy" mapstructure:"url_policy"`

	Store StoreSettings `json:"store" yaml:"store" mapstructure:"store"`
}

// SetDefaults registers the default of every key, so that environment
// variables are picked up for all of them by AutomaticEnv.
func SetDefaults(v *viper.Viper, dataDir string) {
	toolDefaults := tools.DefaultToolConfig()

	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("base_url", "https://api.openai.com/v1")
	v.SetDefault("api_key", "")
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("system_prompt", "")
	v.SetDefault("max_rounds", orchestrator.DefaultMaxRounds)
	v.SetDefault("generate_title", true)
	v.SetDefault("artifacts", true)
	v.SetDefault("tools.enabled", toolDefaults.Enabled)
	v.SetDefault("tools.tool_choice", string(toolDefaults.ToolChoice))
	v.SetDefault("tools.execution_timeout", toolDefaults.ExecutionTimeout)
	v.SetDefault("url_policy.allow_http", true)
	v.SetDefault("url_policy.allow_local_networks", true)
	v.SetDefault("store.backend", StorePebble)
	v.SetDefault("store.dir", dataDir)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.compress", true)
}

// Load decodes the settings from v and validates them.
func Load(v *viper.Viper) (*ChatSettings, error) {
	s := &ChatSettings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChatSettings) Validate() error {
	if strings.TrimSpace(s.Model) == "" {
		return errors.New("model must be set")
	}
	if s.BaseURL != "" {
		if err := s.URLPolicy.Check(s.BaseURL); err != nil {
			return errors.Wrap(err, "base_url")
		}
	}
	switch s.Tools.ToolChoice {
	case engine.ToolChoiceAuto, engine.ToolChoiceNone, engine.ToolChoiceRequired:
	default:
		return errors.Errorf("unknown tool choice %q", s.Tools.ToolChoice)
	}
	if s.MaxRounds > orchestrator.DefaultMaxRounds {
		return errors.Errorf("max_rounds must be at most %d", orchestrator.DefaultMaxRounds)
	}
	for i, srv := range s.MCPServers {
		if srv.URL == "" {
			return errors.Errorf("mcp server %d has no url", i)
		}
		switch strings.ToLower(srv.Transport) {
		case "", mcp.TransportSSE, mcp.TransportHTTP:
		default:
			return errors.Errorf("mcp server %s: unknown transport %q", srv.DisplayName(), srv.Transport)
		}
	}
	switch s.Store.Backend {
	case StoreMemory:
	case StorePebble:
		if s.Store.Dir == "" {
			return errors.New("store.dir must be set for the pebble store")
		}
	case StorePostgres:
		if s.Store.DSN == "" {
			return errors.New("store.dsn must be set for the postgres store")
		}
	default:
		return errors.Errorf("unknown store backend %q", s.Store.Backend)
	}
	return nil
}

func (s *ChatSettings) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Model:         s.Model,
		SystemPrompt:  s.SystemPrompt,
		Sampling:      s.Sampling,
		MaxRounds:     s.MaxRounds,
		Tools:         s.Tools,
		GenerateTitle: s.GenerateTitle,
	}
}

// Redacted returns a copy safe for printing.
func (s *ChatSettings) Redacted() *ChatSettings {
	c := *s
	if c.APIKey != "" {
		c.APIKey = "***"
	}
	if c.Store.DSN != "" {
		c.Store.DSN = "***"
	}
	c.MCPServers = make([]mcp.ServerConfig, len(s.MCPServers))
	for i, srv := range s.MCPServers {
		if len(srv.Headers) > 0 {
			headers := make(map[string]string, len(srv.Headers))
			for k := range srv.Headers {
				headers[k] = "***"
			}
			srv.Headers = headers
		}
		c.MCPServers[i] = srv
	}
	return &c
}
