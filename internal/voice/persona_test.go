// ABOUTME: Tests for voice persona resolution and spoken phrasing
// ABOUTME: Covers defaults, config overrides, fallback voice, handoffs and apologies

package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

func TestRegistry_Persona(t *testing.T) {
	r := NewRegistry(config.VoiceConfig{
		FallbackVoice: "en_US-ryan-medium",
		Personas: map[string]config.PersonaConfig{
			"analyst": {Speed: 1.3},
			"legal":   {Voice: "en_GB-cori-high"},
		},
	}, nil)

	tests := []struct {
		agent    string
		voice    string
		settings Settings
	}{
		{"office", "en_GB-jenny_dioco-medium", Settings{Speed: 1.0, Pitch: 1.1}},
		{"analyst", "en_US-joe-medium", Settings{Speed: 1.3, Pitch: 0.95}},
		{"legal", "en_GB-cori-high", Settings{Speed: 1.0, Pitch: 1.0}},
		{"unknown", "en_US-ryan-medium", Settings{Speed: 1.0, Pitch: 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			p := r.Persona(tt.agent)
			assert.Equal(t, tt.agent, p.AgentID)
			assert.Equal(t, tt.voice, p.Voice)
			assert.Equal(t, tt.settings, p.Settings)
		})
	}
}

func TestRegistry_Handoff(t *testing.T) {
	r := NewRegistry(config.VoiceConfig{
		Handoffs: map[string]string{"analyst_to_procurement": "Procurement will take it from here"},
	}, nil)

	tests := []struct {
		from, to string
		want     string
	}{
		{"office", "analyst", "Let me connect you with our financial analyst for that information"},
		{"analyst", "procurement", "Procurement will take it from here"},
		{"router", "engineering", "Let me connect you with the engineering specialist"},
	}
	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Handoff(tt.from, tt.to))
		})
	}
}

func TestRegistry_Apology(t *testing.T) {
	r := NewRegistry(config.VoiceConfig{
		Personas: map[string]config.PersonaConfig{
			"router": {Apology: "Deep Thought is pondering elsewhere."},
		},
	}, map[string]string{"office": "Office Assistant"})

	assert.Equal(t, "Deep Thought is pondering elsewhere.", r.Apology("router", failure.BackendUnavailable))
	assert.Equal(t,
		"Sorry, the Office Assistant isn't available right now. Please try again in a moment.",
		r.Apology("office", failure.BackendUnavailable))
	assert.Equal(t, "Sorry, I don't know who should handle that.", r.Apology("", failure.UnknownAgent))
	assert.Contains(t, r.Apology("analyst", failure.CapacityExceeded), "the assistant is busy")
}

func TestDefaultPersonasNotMutated(t *testing.T) {
	NewRegistry(config.VoiceConfig{
		Personas: map[string]config.PersonaConfig{"office": {Voice: "changed"}},
	}, nil)

	assert.Equal(t, "en_GB-jenny_dioco-medium", NewRegistry(config.VoiceConfig{}, nil).Persona("office").Voice)
}
