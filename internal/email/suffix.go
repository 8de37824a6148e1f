// ABOUTME: Plus-address suffix extraction for email routing
// ABOUTME: Matches local+suffix@domain across To and Cc recipients

package email

import (
	"regexp"
	"strings"
)

// Hints are the routing signals found in a message.
type Hints struct {
	Suffix      string // first plus-address suffix among the recipients
	Address     string // recipient the suffix came from
	HeaderAgent string // value of the X-AI-Agent header
}

// SuffixMatcher extracts plus-address suffixes for one mail domain.
type SuffixMatcher struct {
	pattern *regexp.Regexp
}

// NewSuffixMatcher builds a matcher for local<delim>suffix@domain. An empty
// domain accepts any domain; an empty delimiter means "+".
func NewSuffixMatcher(domain, delimiter string) *SuffixMatcher {
	if delimiter == "" {
		delimiter = "+"
	}
	d := regexp.QuoteMeta(delimiter)
	host := `[^@]+`
	if domain != "" {
		host = regexp.QuoteMeta(domain)
	}
	return &SuffixMatcher{
		pattern: regexp.MustCompile(`(?i)^[^` + d + `@]+` + d + `(?P<suffix>[^@]+)@` + host + `$`),
	}
}

// Suffix returns the lowercased suffix of addr, if any.
func (s *SuffixMatcher) Suffix(addr string) (string, bool) {
	m := s.pattern.FindStringSubmatch(strings.TrimSpace(addr))
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[s.pattern.SubexpIndex("suffix")]), true
}

// Hints inspects the message headers and recipients.
func (s *SuffixMatcher) Hints(m *Message) Hints {
	h := Hints{HeaderAgent: strings.ToLower(m.Header(AgentHeader))}
	for _, addr := range m.Recipients() {
		if suffix, ok := s.Suffix(addr); ok {
			h.Suffix = suffix
			h.Address = addr
			break
		}
	}
	return h
}
