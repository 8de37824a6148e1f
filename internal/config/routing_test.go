package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizePhrase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Hey Office", "hey office"},
		{"  hey,   office! ", "hey office"},
		{"Deep-Thought", "deep thought"},
		{"what's up", "whats up"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhrase(tt.input); got != tt.want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRoutingMerge(t *testing.T) {
	base := RoutingConfig{
		Fallback:  "router",
		Delimiter: "+",
		Suffixes:  map[string]string{"finance": "analyst", "ops": "office"},
	}
	override := RoutingConfig{
		Delimiter: "-",
		Suffixes:  map[string]string{"finance": "accounting"},
		WakeWords: map[string]string{"office": "office"},
	}

	got := base.Merge(override)
	if got.Fallback != "router" || got.Delimiter != "-" {
		t.Errorf("Merge() scalars = %q/%q", got.Fallback, got.Delimiter)
	}
	if got.Suffixes["finance"] != "accounting" || got.Suffixes["ops"] != "office" {
		t.Errorf("Merge() suffixes = %v", got.Suffixes)
	}
	if got.WakeWords["office"] != "office" {
		t.Errorf("Merge() wake words = %v", got.WakeWords)
	}
	if base.Suffixes["finance"] != "analyst" {
		t.Error("Merge() mutated the base table")
	}
}

func TestLoadRoutingFile_UnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.toml")
	if err := os.WriteFile(path, []byte("fallback = \"router\"\nsufixes = { a = \"b\" }\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadRoutingFile(path)
	if err == nil || !strings.Contains(err.Error(), "sufixes") {
		t.Errorf("LoadRoutingFile() error = %v, want unknown key sufixes", err)
	}
}
