// ABOUTME: Routing section of the configuration and its optional TOML file
// ABOUTME: Suffix, wake word and keyword tables mapping inputs to agent ids

package config

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// RoutingConfig maps channel metadata to agent ids.
type RoutingConfig struct {
	Fallback    string `yaml:"fallback" toml:"fallback"`
	Delimiter   string `yaml:"delimiter" toml:"delimiter"`
	EmailDomain string `yaml:"email_domain" toml:"email_domain"`

	// Suffixes maps an address suffix (alice+finance -> "finance") to an agent.
	Suffixes map[string]string `yaml:"suffixes" toml:"suffixes"`

	// WakeWords maps a spoken phrase to an agent.
	WakeWords map[string]string `yaml:"wake_words" toml:"wake_words"`

	// Keywords lists words that hint at an agent anywhere in an utterance.
	Keywords map[string][]string `yaml:"keywords" toml:"keywords"`

	// File is a TOML routing file merged over the inline tables.
	File string `yaml:"file" toml:"-"`

	// Watch reloads File when it changes.
	Watch bool `yaml:"watch" toml:"-"`
}

// LoadRoutingFile decodes a TOML routing file.
func LoadRoutingFile(path string) (RoutingConfig, error) {
	var rc RoutingConfig
	md, err := toml.DecodeFile(path, &rc)
	if err != nil {
		return RoutingConfig{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return RoutingConfig{}, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return rc, nil
}

// Merge returns r with every non-empty field of override applied on top.
// Tables are merged key by key.
func (r RoutingConfig) Merge(override RoutingConfig) RoutingConfig {
	out := r
	if override.Fallback != "" {
		out.Fallback = override.Fallback
	}
	if override.Delimiter != "" {
		out.Delimiter = override.Delimiter
	}
	if override.EmailDomain != "" {
		out.EmailDomain = override.EmailDomain
	}

	out.Suffixes = mergeMap(r.Suffixes, override.Suffixes)
	out.WakeWords = mergeMap(r.WakeWords, override.WakeWords)
	out.Keywords = mergeMap(r.Keywords, override.Keywords)
	return out
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]V, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

// Validate checks that every rule targets a known agent and that no two
// wake words normalize to the same phrase for different agents.
func (r RoutingConfig) Validate(agents map[string]bool) error {
	if !agents[r.Fallback] {
		return fmt.Errorf("fallback agent %q is not configured", r.Fallback)
	}

	for _, suffix := range sortedKeys(r.Suffixes) {
		if strings.TrimSpace(suffix) == "" {
			return fmt.Errorf("empty suffix")
		}
		if id := r.Suffixes[suffix]; !agents[id] {
			return fmt.Errorf("suffix %q targets unknown agent %q", suffix, id)
		}
	}

	phrases := make(map[string]string, len(r.WakeWords))
	for _, phrase := range sortedKeys(r.WakeWords) {
		id := r.WakeWords[phrase]
		if !agents[id] {
			return fmt.Errorf("wake word %q targets unknown agent %q", phrase, id)
		}
		norm := NormalizePhrase(phrase)
		if norm == "" {
			return fmt.Errorf("wake word %q is empty after normalization", phrase)
		}
		if prev, ok := phrases[norm]; ok && prev != id {
			return fmt.Errorf("wake word %q is ambiguous between %q and %q", norm, prev, id)
		}
		phrases[norm] = id
	}

	for _, id := range sortedKeys(r.Keywords) {
		if !agents[id] {
			return fmt.Errorf("keywords listed for unknown agent %q", id)
		}
	}

	return nil
}

// NormalizePhrase lowercases s, strips punctuation and collapses whitespace.
func NormalizePhrase(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
		case r == '\'':
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
