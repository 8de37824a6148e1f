// ABOUTME: Router resolves inbound channel metadata to a backend agent id
// ABOUTME: Holds an immutable routing table that hot reload swaps atomically

package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/email"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/voice"
)

// Channel is the front door a request arrived through.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
	ChannelAPI   Channel = "api"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelVoice || c == ChannelEmail || c == ChannelAPI
}

// Route reasons reported alongside the resolved agent.
const (
	ReasonExplicit = "explicit"
	ReasonHeader   = "header"
	ReasonSuffix   = "suffix"
	ReasonWakeWord = "wake_word"
	ReasonKeyword  = "keyword"
	ReasonSession  = "session"
	ReasonFallback = "fallback"
)

// ChannelMetadata carries the routing signals of one inbound request.
type ChannelMetadata struct {
	Channel   Channel `json:"-"`
	Utterance string  `json:"-"`

	Suffix   string `json:"suffix,omitempty"`
	Address  string `json:"address,omitempty"`
	WakeWord string `json:"wake_word,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`

	// Header is the X-AI-Agent value of an email.
	Header string `json:"header,omitempty"`
}

type wakeWord struct {
	phrase  string
	agentID string
}

// routeTable is never mutated after construction.
type routeTable struct {
	fallback  string
	known     map[string]bool
	suffixes  map[string]string
	wakeWords []wakeWord // longest phrase first
	keywords  map[string][]string
	matcher   *email.SuffixMatcher
}

func buildTable(rc config.RoutingConfig, agents []string) (*routeTable, error) {
	known := make(map[string]bool, len(agents))
	for _, id := range agents {
		known[id] = true
	}
	if err := rc.Validate(known); err != nil {
		return nil, err
	}

	t := &routeTable{
		fallback: rc.Fallback,
		known:    known,
		suffixes: make(map[string]string, len(rc.Suffixes)),
		keywords: make(map[string][]string),
		matcher:  email.NewSuffixMatcher(rc.EmailDomain, rc.Delimiter),
	}
	for suffix, id := range rc.Suffixes {
		t.suffixes[strings.ToLower(strings.TrimSpace(suffix))] = id
	}
	for phrase, id := range rc.WakeWords {
		t.wakeWords = append(t.wakeWords, wakeWord{phrase: config.NormalizePhrase(phrase), agentID: id})
	}
	sort.Slice(t.wakeWords, func(i, j int) bool {
		a, b := t.wakeWords[i], t.wakeWords[j]
		if len(a.phrase) != len(b.phrase) {
			return len(a.phrase) > len(b.phrase)
		}
		return a.phrase < b.phrase
	})

	keywords := rc.Keywords
	if len(keywords) == 0 {
		keywords = voice.DefaultKeywords
	}
	for id, words := range keywords {
		if !known[id] {
			continue
		}
		for _, w := range words {
			if norm := config.NormalizePhrase(w); norm != "" {
				t.keywords[id] = append(t.keywords[id], norm)
			}
		}
	}
	return t, nil
}

// Router maps channel metadata onto agent ids.
type Router struct {
	table  atomic.Pointer[routeTable]
	logger *slog.Logger
}

// NewRouter builds a router for the given agents. The table is validated
// the same way the config loader validates it.
func NewRouter(rc config.RoutingConfig, agents []string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := buildTable(rc, agents)
	if err != nil {
		return nil, fmt.Errorf("building routing table: %w", err)
	}
	r := &Router{logger: logger}
	r.table.Store(t)
	return r, nil
}

// Update replaces the whole routing table. The agent set is unchanged.
func (r *Router) Update(rc config.RoutingConfig) error {
	cur := r.table.Load()
	agents := make([]string, 0, len(cur.known))
	for id := range cur.known {
		agents = append(agents, id)
	}
	t, err := buildTable(rc, agents)
	if err != nil {
		return err
	}
	r.table.Store(t)
	r.logger.Info("routing table swapped", "suffixes", len(t.suffixes), "wake_words", len(t.wakeWords))
	return nil
}

// Known reports whether agentID is a configured agent.
func (r *Router) Known(agentID string) bool {
	return r.table.Load().known[agentID]
}

// Fallback returns the agent used when nothing else matches.
func (r *Router) Fallback() string {
	return r.table.Load().fallback
}

// Hints extracts routing signals from an email.
func (r *Router) Hints(msg *email.Message) email.Hints {
	return r.table.Load().matcher.Hints(msg)
}

// Routes lists the wake words and suffixes that lead to agentID.
func (r *Router) Routes(agentID string) (wakeWords, suffixes []string) {
	t := r.table.Load()
	for _, w := range t.wakeWords {
		if w.agentID == agentID {
			wakeWords = append(wakeWords, w.phrase)
		}
	}
	for suffix, id := range t.suffixes {
		if id == agentID {
			suffixes = append(suffixes, suffix)
		}
	}
	sort.Strings(wakeWords)
	sort.Strings(suffixes)
	return wakeWords, suffixes
}

// Resolve picks the agent for a request. An explicit agent id must name a
// configured agent; every other signal falls back when it does not match.
func (r *Router) Resolve(meta ChannelMetadata) (string, string, error) {
	t := r.table.Load()

	if id := strings.TrimSpace(meta.AgentID); id != "" {
		if !t.known[id] {
			return "", "", failure.New(failure.UnknownAgent, "no agent named %q", id)
		}
		return id, ReasonExplicit, nil
	}

	if header := strings.ToLower(strings.TrimSpace(meta.Header)); header != "" {
		if t.known[header] {
			return header, ReasonHeader, nil
		}
		r.logger.Debug("ignoring unknown agent header", "value", header)
	}

	if id, ok := t.suffixAgent(meta); ok {
		return id, ReasonSuffix, nil
	}

	if id, ok := t.wakeWordAgent(config.NormalizePhrase(meta.WakeWord)); ok {
		return id, ReasonWakeWord, nil
	}

	if meta.Channel == ChannelVoice {
		utterance := config.NormalizePhrase(meta.Utterance)
		if id, ok := t.wakeWordAgent(utterance); ok {
			return id, ReasonWakeWord, nil
		}
		if id, ok := t.keywordAgent(utterance); ok {
			return id, ReasonKeyword, nil
		}
	}

	return t.fallback, ReasonFallback, nil
}

func (t *routeTable) suffixAgent(meta ChannelMetadata) (string, bool) {
	suffix := strings.ToLower(strings.TrimSpace(meta.Suffix))
	if suffix == "" && meta.Address != "" {
		suffix, _ = t.matcher.Suffix(meta.Address)
	}
	if suffix == "" {
		return "", false
	}
	id, ok := t.suffixes[suffix]
	return id, ok
}

// wakeWordAgent matches the start of the phrase on a word boundary. Wake
// words are kept longest first, so the longest match wins.
func (t *routeTable) wakeWordAgent(utterance string) (string, bool) {
	if utterance == "" {
		return "", false
	}
	for _, ww := range t.wakeWords {
		if utterance == ww.phrase || strings.HasPrefix(utterance, ww.phrase+" ") {
			return ww.agentID, true
		}
	}
	return "", false
}

// keywordAgent scores each agent by how many of its keywords occur in the
// utterance. Ties go to the agent id that sorts first.
func (t *routeTable) keywordAgent(utterance string) (string, bool) {
	if utterance == "" {
		return "", false
	}
	padded := " " + utterance + " "

	ids := make([]string, 0, len(t.keywords))
	for id := range t.keywords {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best, bestScore := "", 0
	for _, id := range ids {
		score := 0
		for _, kw := range t.keywords[id] {
			if strings.Contains(padded, " "+kw+" ") {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	return best, bestScore > 0
}
