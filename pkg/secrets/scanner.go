package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	RuleDesc string
	Line     int
	Match    string
}

// Scanner wraps a gitleaks detector built once from the default rule set.
// It is safe for concurrent use.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner. allowlist may be nil.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Scanner{detector: d}, nil
}

// Detect returns the secrets found in content.
func (s *Scanner) Detect(content string) []Finding {
	if content == "" {
		return nil
	}
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, RuleDesc: f.Description, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// Redaction is the result of Redact. It never holds secret values.
type Redaction struct {
	Content    string
	RuleCounts map[string]int
}

// Total is the number of secrets replaced.
func (r Redaction) Total() int {
	n := 0
	for _, c := range r.RuleCounts {
		n += c
	}
	return n
}

// Redact replaces every detected secret with a [REDACTED:<rule>] marker.
func (s *Scanner) Redact(content string) Redaction {
	findings := s.Detect(content)
	r := Redaction{Content: content, RuleCounts: map[string]int{}}
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool { return len(findings[i].Match) > len(findings[j].Match) })
	for _, f := range findings {
		if !strings.Contains(r.Content, f.Match) {
			continue
		}
		r.Content = strings.ReplaceAll(r.Content, f.Match, "[REDACTED:"+f.RuleID+"]")
		r.RuleCounts[f.RuleID]++
	}
	return r
}

func applyAllowlist(cfg *gitleaksconfig.Config, a *Allowlist) error {
	extra := &gitleaksconfig.Allowlist{Description: "fixplan allowlist"}
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		extra.Paths = append(extra.Paths, (*gitleaksregexp.Regexp)(re))
	}
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		extra.Regexes = append(extra.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	extra.StopWords = append(extra.StopWords, a.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, extra)
	return nil
}
