// Package config handles configuration loading for agent-bridge.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Defaults are applied before validation, so a minimal file only
// needs a database path and the list of agents.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENT_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-bridge/bridge.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${AGENT_BRIDGE_JWT_SECRET}"
//
// # Agents
//
//	agents:
//	  - id: office
//	    name: "Office Assistant"
//	    command: codex
//	    args: ["mcp"]
//	    cwd: /srv/agents/office
//	    concurrency_limit: 2
//	    queue_size: 8
//	    admission: queue      # queue, reject
//	    handshake: true
//	  - id: analyst
//	    url: ws://10.0.0.5:9300/agent
//
// # Timeouts
//
//	timeouts:
//	  idle: "30s"             # no notification for this long -> timed_out
//	  voice_deadline: "30s"
//	  email_deadline: "5m"
//	  api_deadline: "2m"
//	  max_deadline: "10m"     # caller-supplied deadlines are clamped to this
//	  heartbeat_interval: "15s"
//
// # Routing
//
// Routing can be written inline or in a TOML file referenced by
// routing.file (relative paths resolve against the YAML file). With
// routing.watch the file is reloaded on change and the router swaps in the
// new table atomically; an invalid file leaves the old table in place.
//
//	routing:
//	  fallback: router
//	  delimiter: "+"
//	  email_domain: example.com
//	  suffixes:
//	    finance: analyst
//	  wake_words:
//	    "hey office": office
//	  keywords:
//	    office: [calendar, meeting, email]
//	  file: routing.toml
//	  watch: true
//
// # Validation
//
// Load() validates:
//
//   - JWT secret minimum length (32 bytes) when set
//   - Agent ids are unique and have an endpoint
//   - Every routing rule and persona names a configured agent
//   - Wake words do not normalize to the same phrase for different agents
//   - Per-channel deadlines do not exceed max_deadline
package config
