// Package redact removes credentials from agent output and error messages
// before they are stored in issue logs or streamed to the dashboard.
package redact

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// minLiteralLen keeps short configured values from shredding ordinary text.
const minLiteralLen = 6

// Scrubber replaces detected secrets with [REDACTED:<rule>] markers.
type Scrubber interface {
	// Scrub returns content with secrets replaced and the number replaced.
	Scrub(content string) (string, int)
}

// Option configures a gitleaks scrubber.
type Option func(*scrubber)

// WithLiterals always redacts the given values, such as configured tokens.
// Values shorter than six characters are ignored.
func WithLiterals(values ...string) Option {
	return func(s *scrubber) {
		for _, v := range values {
			if len(v) >= minLiteralLen {
				s.literals = append(s.literals, v)
			}
		}
	}
}

type scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
	literals []string
}

// New builds a Scrubber on the default gitleaks rule set.
func New(opts ...Option) (Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	s := &scrubber{detector: detector}
	for _, opt := range opts {
		opt(s)
	}
	// Longest first so that a literal containing another is replaced whole.
	sort.Slice(s.literals, func(i, j int) bool {
		return len(s.literals[i]) > len(s.literals[j])
	})
	return s, nil
}

func (s *scrubber) Scrub(content string) (string, int) {
	if content == "" {
		return content, 0
	}

	count := 0
	for _, lit := range s.literals {
		if n := strings.Count(content, lit); n > 0 {
			content = strings.ReplaceAll(content, lit, "[REDACTED:configured]")
			count += n
		}
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	// Replace longer matches first so overlapping findings collapse cleanly.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	for _, f := range findings {
		if f.Secret == "" || !strings.Contains(content, f.Secret) {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, fmt.Sprintf("[REDACTED:%s]", f.RuleID))
		count++
	}
	return content, count
}

// Nop returns a Scrubber that changes nothing.
func Nop() Scrubber {
	return nopScrubber{}
}

type nopScrubber struct{}

func (nopScrubber) Scrub(content string) (string, int) {
	return content, 0
}
