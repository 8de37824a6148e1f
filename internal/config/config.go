// ABOUTME: Configuration loading and parsing for agent-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent-bridge configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Agents       []AgentConfig      `yaml:"agents"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	Routing      RoutingConfig      `yaml:"routing"`
	Voice        VoiceConfig        `yaml:"voice"`
	Email        EmailConfig        `yaml:"email"`
	Conversation ConversationConfig `yaml:"conversation"`
	Logging      LoggingConfig      `yaml:"logging"`

	// inline is the routing section as written, before routing.file is merged
	inline RoutingConfig
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve HTTP over ListenTLS on :443
	Funnel    bool   `yaml:"funnel"` // expose publicly, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds API authentication configuration.
// An empty secret leaves the API unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentConfig describes one upstream agent.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Subprocess endpoint
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// Network endpoint: ws://, wss:// or tcp://
	URL string `yaml:"url"`

	Tool string `yaml:"tool"`
	Cwd  string `yaml:"cwd"`

	ConcurrencyLimit int    `yaml:"concurrency_limit"`
	QueueSize        int    `yaml:"queue_size"`
	Admission        string `yaml:"admission"`
	FailureThreshold int    `yaml:"failure_threshold"`
	Handshake        bool   `yaml:"handshake"`
	Ping             bool   `yaml:"ping"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// DisplayName returns the configured name or a title derived from the id.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.ID == "" {
		return ""
	}
	return strings.ToUpper(a.ID[:1]) + a.ID[1:] + " Assistant"
}

// TimeoutsConfig holds request and session timing
type TimeoutsConfig struct {
	Idle              time.Duration `yaml:"-"`
	VoiceDeadline     time.Duration `yaml:"-"`
	EmailDeadline     time.Duration `yaml:"-"`
	APIDeadline       time.Duration `yaml:"-"`
	MaxDeadline       time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	Handshake         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleRaw              string `yaml:"idle"`
	VoiceDeadlineRaw     string `yaml:"voice_deadline"`
	EmailDeadlineRaw     string `yaml:"email_deadline"`
	APIDeadlineRaw       string `yaml:"api_deadline"`
	MaxDeadlineRaw       string `yaml:"max_deadline"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	HandshakeRaw         string `yaml:"handshake"`
}

// VoiceConfig holds per-agent voice personas
type VoiceConfig struct {
	FallbackVoice string                   `yaml:"fallback_voice"`
	Personas      map[string]PersonaConfig `yaml:"personas"`
	Handoffs      map[string]string        `yaml:"handoffs"`
}

// PersonaConfig overrides the built-in persona for one agent
type PersonaConfig struct {
	Voice   string  `yaml:"voice"`
	Speed   float64 `yaml:"speed"`
	Pitch   float64 `yaml:"pitch"`
	Apology string  `yaml:"apology"`
}

// EmailConfig holds email ingest and reply configuration
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientState  string `yaml:"client_state"`
	GraphToken   string `yaml:"graph_token"`
	GraphBaseURL string `yaml:"graph_base_url"`
	UserID       string `yaml:"user_id"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
	DedupeMax    int           `yaml:"dedupe_max"`
}

// ConversationConfig holds multi-turn session settings
type ConversationConfig struct {
	MaxTurns int           `yaml:"max_turns"`
	TTL      time.Duration `yaml:"-"`
	TTLRaw   string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied by applyDefaults.
const (
	DefaultGRPCAddr      = "127.0.0.1:50051"
	DefaultHTTPAddr      = "127.0.0.1:8080"
	DefaultIdleTimeout   = 30 * time.Second
	DefaultVoiceDeadline = 30 * time.Second
	DefaultEmailDeadline = 5 * time.Minute
	DefaultAPIDeadline   = 2 * time.Minute
	DefaultMaxDeadline   = 10 * time.Minute
	DefaultDedupeTTL     = 24 * time.Hour
	DefaultDedupeMax     = 10000
	DefaultMaxTurns      = 10
	DefaultSessionTTL    = 30 * time.Minute
	DefaultFallbackAgent = "router"
	DefaultDelimiter     = "+"
	DefaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	MinJWTSecretLength   = 32
)

var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// A routing.file, when set, is merged over the inline routing section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.Routing.File != "" {
		if !filepath.IsAbs(cfg.Routing.File) {
			cfg.Routing.File = filepath.Join(filepath.Dir(path), cfg.Routing.File)
		}
		cfg.inline = cfg.Routing
		fileRouting, err := LoadRoutingFile(cfg.Routing.File)
		if err != nil {
			return nil, fmt.Errorf("loading routing file: %w", err)
		}
		cfg.Routing = cfg.Routing.Merge(fileRouting)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}

	return cfg, nil
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
	}
	if c.Tailscale.Funnel {
		c.Tailscale.HTTPS = true
	}

	t := &c.Timeouts
	if t.Idle == 0 {
		t.Idle = DefaultIdleTimeout
	}
	if t.VoiceDeadline == 0 {
		t.VoiceDeadline = DefaultVoiceDeadline
	}
	if t.EmailDeadline == 0 {
		t.EmailDeadline = DefaultEmailDeadline
	}
	if t.APIDeadline == 0 {
		t.APIDeadline = DefaultAPIDeadline
	}
	if t.MaxDeadline == 0 {
		t.MaxDeadline = DefaultMaxDeadline
	}

	if c.Routing.Fallback == "" {
		c.Routing.Fallback = DefaultFallbackAgent
		if _, ok := c.Agent(DefaultFallbackAgent); !ok && len(c.Agents) > 0 {
			c.Routing.Fallback = c.Agents[0].ID
		}
	}
	if c.Routing.Delimiter == "" {
		c.Routing.Delimiter = DefaultDelimiter
	}

	if c.Email.DedupeTTL == 0 {
		c.Email.DedupeTTL = DefaultDedupeTTL
	}
	if c.Email.DedupeMax == 0 {
		c.Email.DedupeMax = DefaultDedupeMax
	}
	if c.Email.GraphBaseURL == "" {
		c.Email.GraphBaseURL = DefaultGraphBaseURL
	}

	if c.Conversation.MaxTurns == 0 {
		c.Conversation.MaxTurns = DefaultMaxTurns
	}
	if c.Conversation.TTL == 0 {
		c.Conversation.TTL = DefaultSessionTTL
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if !agentIDPattern.MatchString(a.ID) {
			return fmt.Errorf("agents[%d].id %q must be lowercase letters, digits, '-' or '_'", i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true

		if a.Command == "" && a.URL == "" {
			return fmt.Errorf("agent %q needs a command or url", a.ID)
		}
		switch a.Admission {
		case "", "queue", "reject":
		default:
			return fmt.Errorf("agent %q: admission must be queue or reject, got %q", a.ID, a.Admission)
		}
		if a.ConcurrencyLimit < 0 || a.QueueSize < 0 {
			return fmt.Errorf("agent %q: concurrency_limit and queue_size must not be negative", a.ID)
		}
	}

	if c.Timeouts.MaxDeadline > 0 {
		for name, d := range map[string]time.Duration{
			"voice_deadline": c.Timeouts.VoiceDeadline,
			"email_deadline": c.Timeouts.EmailDeadline,
			"api_deadline":   c.Timeouts.APIDeadline,
		} {
			if d > c.Timeouts.MaxDeadline {
				return fmt.Errorf("timeouts.%s %s exceeds timeouts.max_deadline %s", name, d, c.Timeouts.MaxDeadline)
			}
		}
	}

	if err := c.Routing.Validate(seen); err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	for id := range c.Voice.Personas {
		if !seen[id] {
			return fmt.Errorf("voice.personas.%s names no configured agent", id)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// InlineRouting returns the routing section from the YAML file alone.
func (c *Config) InlineRouting() RoutingConfig {
	if c.Routing.File == "" {
		return c.Routing
	}
	return c.inline
}

// AgentIDs returns the configured agent ids in file order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// Agent returns the configuration for id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.idle", cfg.Timeouts.IdleRaw, &cfg.Timeouts.Idle},
		{"timeouts.voice_deadline", cfg.Timeouts.VoiceDeadlineRaw, &cfg.Timeouts.VoiceDeadline},
		{"timeouts.email_deadline", cfg.Timeouts.EmailDeadlineRaw, &cfg.Timeouts.EmailDeadline},
		{"timeouts.api_deadline", cfg.Timeouts.APIDeadlineRaw, &cfg.Timeouts.APIDeadline},
		{"timeouts.max_deadline", cfg.Timeouts.MaxDeadlineRaw, &cfg.Timeouts.MaxDeadline},
		{"timeouts.heartbeat_interval", cfg.Timeouts.HeartbeatIntervalRaw, &cfg.Timeouts.HeartbeatInterval},
		{"timeouts.heartbeat_timeout", cfg.Timeouts.HeartbeatTimeoutRaw, &cfg.Timeouts.HeartbeatTimeout},
		{"timeouts.handshake", cfg.Timeouts.HandshakeRaw, &cfg.Timeouts.Handshake},
		{"email.dedupe_ttl", cfg.Email.DedupeTTLRaw, &cfg.Email.DedupeTTL},
		{"conversation.ttl", cfg.Conversation.TTLRaw, &cfg.Conversation.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.IdleTimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(a.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agents[%d].idle_timeout %q: %w", i, a.IdleTimeoutRaw, err)
		}
		a.IdleTimeout = d
	}

	return nil
}
