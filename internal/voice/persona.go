// ABOUTME: Voice personas: the TTS voice, speed and pitch each agent speaks with
// ABOUTME: Also supplies handoff phrasing, spoken apologies and default keyword lists

package voice

import (
	"fmt"
	"maps"
	"strings"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

// FallbackVoice is used for agents without a persona.
const FallbackVoice = "en_US-amy-medium"

// Settings are the prosody parameters sent alongside a spoken response.
type Settings struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
}

// Persona is how one agent sounds.
type Persona struct {
	AgentID  string   `json:"agent_id"`
	Voice    string   `json:"voice"`
	Settings Settings `json:"voice_config"`
	Apology  string   `json:"apology,omitempty"`
}

var defaultPersonas = map[string]Persona{
	"router":      {Voice: "en_GB-alan-medium", Settings: Settings{Speed: 0.9, Pitch: 1.0}},
	"office":      {Voice: "en_GB-jenny_dioco-medium", Settings: Settings{Speed: 1.0, Pitch: 1.1}},
	"analyst":     {Voice: "en_US-joe-medium", Settings: Settings{Speed: 1.1, Pitch: 0.95}},
	"procurement": {Voice: "en_GB-northern_english_male-medium", Settings: Settings{Speed: 1.0, Pitch: 1.0}},
	"engineering": {Voice: "en_US-danny-low", Settings: Settings{Speed: 1.05, Pitch: 0.9}},
	"accounting":  {Voice: "en_GB-jenny_dioco-medium", Settings: Settings{Speed: 0.95, Pitch: 1.0}},
}

var defaultHandoffs = map[string]string{
	"office_to_analyst":     "Let me connect you with our financial analyst for that information",
	"office_to_procurement": "I'll transfer you to procurement for vendor matters",
	"office_to_engineering": "Our engineering team can better assist with technical questions",
	"analyst_to_office":     "I'll hand you back to the office assistant for scheduling",
	"default":               "Let me connect you with the {target} specialist",
}

// DefaultKeywords drive two-stage detection when routing.keywords is empty.
var DefaultKeywords = map[string][]string{
	"office": {
		"office", "assistant", "calendar", "schedule", "meeting",
		"email", "teams", "appointment", "reminder", "task",
	},
	"analyst": {
		"analyst", "market", "stock", "trading", "finance",
		"price", "portfolio", "investment", "earnings", "analysis",
	},
	"procurement": {
		"procurement", "purchase", "vendor", "supplier", "order",
		"quote", "contract", "sourcing", "negotiate", "cost",
	},
	"engineering": {
		"engineering", "code", "technical", "build", "deploy",
		"debug", "system", "server", "database", "architecture",
	},
	"accounting": {
		"accounting", "invoice", "payment", "expense", "budget",
		"financial", "books", "ledger", "reconcile", "audit",
	},
	"router": {
		"router", "general", "help", "deep thought", "think",
		"question", "wondering", "curious", "explain", "understand",
	},
}

// Registry resolves personas and spoken phrases for agents.
type Registry struct {
	personas map[string]Persona
	fallback Persona
	handoffs map[string]string
	names    map[string]string // agent id -> display name
}

// NewRegistry layers cfg over the built-in personas. names maps agent ids
// to display names used in spoken apologies.
func NewRegistry(cfg config.VoiceConfig, names map[string]string) *Registry {
	r := &Registry{
		personas: maps.Clone(defaultPersonas),
		fallback: Persona{Voice: FallbackVoice, Settings: Settings{Speed: 1.0, Pitch: 1.0}},
		handoffs: maps.Clone(defaultHandoffs),
		names:    maps.Clone(names),
	}
	if cfg.FallbackVoice != "" {
		r.fallback.Voice = cfg.FallbackVoice
	}

	for id, pc := range cfg.Personas {
		p, ok := r.personas[id]
		if !ok {
			p = r.fallback
		}
		if pc.Voice != "" {
			p.Voice = pc.Voice
		}
		if pc.Speed != 0 {
			p.Settings.Speed = pc.Speed
		}
		if pc.Pitch != 0 {
			p.Settings.Pitch = pc.Pitch
		}
		if pc.Apology != "" {
			p.Apology = pc.Apology
		}
		r.personas[id] = p
	}

	maps.Copy(r.handoffs, cfg.Handoffs)
	return r
}

// Persona returns the persona for agentID, or the fallback voice.
func (r *Registry) Persona(agentID string) Persona {
	p, ok := r.personas[agentID]
	if !ok {
		p = r.fallback
	}
	p.AgentID = agentID
	return p
}

// Handoff returns what the outgoing agent says when passing the
// conversation to another agent.
func (r *Registry) Handoff(from, to string) string {
	if msg, ok := r.handoffs[from+"_to_"+to]; ok {
		return msg
	}
	return strings.ReplaceAll(r.handoffs["default"], "{target}", to)
}

// Apology is what the persona says when a request cannot be answered.
func (r *Registry) Apology(agentID string, kind failure.Kind) string {
	if p, ok := r.personas[agentID]; ok && p.Apology != "" {
		return p.Apology
	}

	name := r.names[agentID]
	if name == "" {
		name = "assistant"
	}
	switch kind {
	case failure.BackendUnavailable:
		return fmt.Sprintf("Sorry, the %s isn't available right now. Please try again in a moment.", name)
	case failure.UnknownAgent:
		return "Sorry, I don't know who should handle that."
	case failure.CapacityExceeded:
		return fmt.Sprintf("Sorry, the %s is busy with other requests. Please try again shortly.", name)
	case failure.TimedOut:
		return "Sorry, that is taking longer than expected."
	default:
		return "Sorry, something went wrong while handling that."
	}
}
