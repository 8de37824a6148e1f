// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalAgents = `
agents:
  - id: router
    command: codex
    args: ["mcp"]
  - id: office
    command: codex
  - id: analyst
    url: ws://127.0.0.1:9300/agent
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

agents:
  - id: router
    name: "General Assistant"
    command: codex
    args: ["mcp", "--quiet"]
    env:
      CODEX_HOME: /srv/router
    cwd: /srv/router
    concurrency_limit: 2
    queue_size: 4
    admission: reject
    failure_threshold: 5
    handshake: true
    idle_timeout: "90s"
  - id: analyst
    url: ws://127.0.0.1:9300/agent

timeouts:
  idle: "45s"
  voice_deadline: "20s"
  max_deadline: "15m"
  heartbeat_interval: "15s"

routing:
  email_domain: example.com
  suffixes:
    finance: analyst
  wake_words:
    "hey analyst": analyst

voice:
  personas:
    analyst:
      voice: en_US-joe-medium
      speed: 1.1
      pitch: 0.95

email:
  enabled: true
  dedupe_ttl: "12h"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("len(Agents) = %d, want 2", len(cfg.Agents))
	}
	router := cfg.Agents[0]
	if router.Command != "codex" || len(router.Args) != 2 {
		t.Errorf("router command = %q %v", router.Command, router.Args)
	}
	if router.Env["CODEX_HOME"] != "/srv/router" {
		t.Errorf("router env = %v", router.Env)
	}
	if router.ConcurrencyLimit != 2 || router.QueueSize != 4 || router.Admission != "reject" {
		t.Errorf("router admission = %d/%d/%q", router.ConcurrencyLimit, router.QueueSize, router.Admission)
	}
	if !router.Handshake {
		t.Error("router.Handshake = false, want true")
	}
	if router.IdleTimeout != 90*time.Second {
		t.Errorf("router.IdleTimeout = %v, want 90s", router.IdleTimeout)
	}
	if router.DisplayName() != "General Assistant" {
		t.Errorf("router.DisplayName() = %q", router.DisplayName())
	}
	if cfg.Agents[1].DisplayName() != "Analyst Assistant" {
		t.Errorf("analyst.DisplayName() = %q", cfg.Agents[1].DisplayName())
	}

	if cfg.Timeouts.Idle != 45*time.Second {
		t.Errorf("Timeouts.Idle = %v, want 45s", cfg.Timeouts.Idle)
	}
	if cfg.Timeouts.VoiceDeadline != 20*time.Second {
		t.Errorf("Timeouts.VoiceDeadline = %v, want 20s", cfg.Timeouts.VoiceDeadline)
	}
	if cfg.Timeouts.EmailDeadline != DefaultEmailDeadline {
		t.Errorf("Timeouts.EmailDeadline = %v, want default %v", cfg.Timeouts.EmailDeadline, DefaultEmailDeadline)
	}
	if cfg.Timeouts.HeartbeatInterval != 15*time.Second {
		t.Errorf("Timeouts.HeartbeatInterval = %v, want 15s", cfg.Timeouts.HeartbeatInterval)
	}

	if cfg.Routing.Fallback != "router" {
		t.Errorf("Routing.Fallback = %q, want router", cfg.Routing.Fallback)
	}
	if cfg.Routing.Delimiter != "+" {
		t.Errorf("Routing.Delimiter = %q, want +", cfg.Routing.Delimiter)
	}
	if cfg.Routing.Suffixes["finance"] != "analyst" {
		t.Errorf("Routing.Suffixes = %v", cfg.Routing.Suffixes)
	}

	if p := cfg.Voice.Personas["analyst"]; p.Voice != "en_US-joe-medium" || p.Speed != 1.1 {
		t.Errorf("analyst persona = %+v", p)
	}

	if cfg.Email.DedupeTTL != 12*time.Hour {
		t.Errorf("Email.DedupeTTL = %v, want 12h", cfg.Email.DedupeTTL)
	}
	if cfg.Email.GraphBaseURL != DefaultGraphBaseURL {
		t.Errorf("Email.GraphBaseURL = %q", cfg.Email.GraphBaseURL)
	}

	if cfg.Conversation.MaxTurns != DefaultMaxTurns || cfg.Conversation.TTL != DefaultSessionTTL {
		t.Errorf("Conversation = %+v", cfg.Conversation)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  path: ./bridge.db\n"+minimalAgents))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr || cfg.Server.GRPCAddr != DefaultGRPCAddr {
		t.Errorf("Server = %+v, want defaults", cfg.Server)
	}
	if cfg.Timeouts.Idle != 30*time.Second {
		t.Errorf("Timeouts.Idle = %v, want 30s", cfg.Timeouts.Idle)
	}
	if cfg.Email.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("Email.DedupeTTL = %v, want %v", cfg.Email.DedupeTTL, DefaultDedupeTTL)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
	if got := cfg.AgentIDs(); strings.Join(got, ",") != "router,office,analyst" {
		t.Errorf("AgentIDs() = %v", got)
	}
	if _, ok := cfg.Agent("office"); !ok {
		t.Error("Agent(office) not found")
	}
	if _, ok := cfg.Agent("payroll"); ok {
		t.Error("Agent(payroll) unexpectedly found")
	}
}

func TestLoad_FallbackWithoutRouterAgent(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: ./bridge.db
agents:
  - id: office
    command: codex
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Routing.Fallback != "office" {
		t.Errorf("Routing.Fallback = %q, want first agent", cfg.Routing.Fallback)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("TEST_GRAPH_TOKEN", "graph-from-env")

	cfg, err := Load(writeConfig(t, `
database:
  path: ./bridge.db
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
email:
  graph_token: "${TEST_GRAPH_TOKEN}"
  user_id: "${UNSET_VAR_FOR_TEST}"
`+minimalAgents))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != strings.Repeat("s", 32) {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Email.GraphToken != "graph-from-env" {
		t.Errorf("Email.GraphToken = %q, want %q", cfg.Email.GraphToken, "graph-from-env")
	}
	if cfg.Email.UserID != "" {
		t.Errorf("Email.UserID = %q, want empty string for unset env var", cfg.Email.UserID)
	}
}

func TestLoad_RoutingFile(t *testing.T) {
	dir := t.TempDir()
	routingPath := filepath.Join(dir, "routing.toml")
	routing := `
email_domain = "corp.example"

[suffixes]
finance = "analyst"
accounts = "analyst"

[wake_words]
"hey office" = "office"

[keywords]
office = ["calendar", "meeting"]
`
	if err := os.WriteFile(routingPath, []byte(routing), 0644); err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(dir, "bridge.yaml")
	content := `
database:
  path: ./bridge.db
routing:
  file: routing.toml
  suffixes:
    finance: office
    ops: office
` + minimalAgents
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Routing.File != routingPath {
		t.Errorf("Routing.File = %q, want %q", cfg.Routing.File, routingPath)
	}
	if cfg.Routing.EmailDomain != "corp.example" {
		t.Errorf("Routing.EmailDomain = %q", cfg.Routing.EmailDomain)
	}
	if cfg.Routing.Suffixes["finance"] != "analyst" {
		t.Errorf("file should override inline suffix, got %q", cfg.Routing.Suffixes["finance"])
	}
	if cfg.Routing.Suffixes["ops"] != "office" {
		t.Errorf("inline suffix lost, got %v", cfg.Routing.Suffixes)
	}
	if cfg.Routing.WakeWords["hey office"] != "office" {
		t.Errorf("Routing.WakeWords = %v", cfg.Routing.WakeWords)
	}
	if inline := cfg.InlineRouting(); inline.Suffixes["finance"] != "office" || len(inline.WakeWords) != 0 {
		t.Errorf("InlineRouting() = %+v", inline)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/bridge.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "agents: [\n  - id: broken"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: ./bridge.db
timeouts:
  idle: "soon"
`+minimalAgents))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "timeouts.idle") {
		t.Errorf("Load() error = %q, want it to name timeouts.idle", err.Error())
	}
}

func TestValidate(t *testing.T) {
	agents := []AgentConfig{{ID: "router", Command: "codex"}, {ID: "office", Command: "codex"}}
	base := func() Config {
		c := Config{
			Database: DatabaseConfig{Path: "./test.db"},
			Agents:   append([]AgentConfig(nil), agents...),
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name          string
		mutate        func(c *Config)
		wantErrSubstr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:          "database path required",
			mutate:        func(c *Config) { c.Database.Path = "" },
			wantErrSubstr: "database.path is required",
		},
		{
			name:          "no agents",
			mutate:        func(c *Config) { c.Agents = nil },
			wantErrSubstr: "at least one agent",
		},
		{
			name:          "bad agent id",
			mutate:        func(c *Config) { c.Agents[0].ID = "Router!" },
			wantErrSubstr: "must be lowercase",
		},
		{
			name:          "duplicate agent id",
			mutate:        func(c *Config) { c.Agents[1].ID = "router" },
			wantErrSubstr: "duplicated",
		},
		{
			name:          "agent without endpoint",
			mutate:        func(c *Config) { c.Agents[1].Command = "" },
			wantErrSubstr: "needs a command or url",
		},
		{
			name:          "bad admission",
			mutate:        func(c *Config) { c.Agents[0].Admission = "drop" },
			wantErrSubstr: "admission must be queue or reject",
		},
		{
			name:          "short jwt secret",
			mutate:        func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErrSubstr: "at least 32 bytes",
		},
		{
			name:          "deadline above max",
			mutate:        func(c *Config) { c.Timeouts.APIDeadline = time.Hour },
			wantErrSubstr: "exceeds timeouts.max_deadline",
		},
		{
			name:          "unknown fallback",
			mutate:        func(c *Config) { c.Routing.Fallback = "payroll" },
			wantErrSubstr: "fallback agent",
		},
		{
			name:          "suffix to unknown agent",
			mutate:        func(c *Config) { c.Routing.Suffixes = map[string]string{"hr": "payroll"} },
			wantErrSubstr: "unknown agent",
		},
		{
			name: "ambiguous wake words",
			mutate: func(c *Config) {
				c.Routing.WakeWords = map[string]string{"Hey Office": "office", "hey, office": "router"}
			},
			wantErrSubstr: "ambiguous",
		},
		{
			name:          "persona for unknown agent",
			mutate:        func(c *Config) { c.Voice.Personas = map[string]PersonaConfig{"payroll": {}} },
			wantErrSubstr: "voice.personas.payroll",
		},
		{
			name:          "bad log format",
			mutate:        func(c *Config) { c.Logging.Format = "xml" },
			wantErrSubstr: "logging.format",
		},
		{
			name: "tailscale requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires server addresses",
			mutate: func(c *Config) {
				c.Server = ServerConfig{}
			},
			wantErrSubstr: "server.grpc_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
