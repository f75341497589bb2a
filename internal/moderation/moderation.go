// Package moderation screens prompts against a banned-term word list before
// they ever reach the generation backend.
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/darkroom/internal/config"
)

// List is an immutable set of banned terms. Matching is case-insensitive
// whole-word containment.
type List struct {
	terms map[string]struct{}
}

// NewList builds a List from inline terms.
func NewList(terms []string) *List {
	l := &List{terms: make(map[string]struct{}, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			l.terms[t] = struct{}{}
		}
	}
	return l
}

// Load builds a List from config: inline terms plus an optional words file
// (one term per line, blank lines and #-comments skipped). A configured but
// missing words file is an error; no moderation config yields an empty list
// that blocks nothing.
func Load(mc config.ModConfig) (*List, error) {
	terms := append([]string(nil), mc.Words...)

	if mc.WordsFile != "" {
		f, err := os.Open(mc.WordsFile)
		if err != nil {
			return nil, fmt.Errorf("moderation: open words file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			terms = append(terms, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("moderation: read words file: %w", err)
		}
	}

	return NewList(terms), nil
}

// Screen reports the first banned term found in text, if any.
func (l *List) Screen(text string) (string, bool) {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if _, hit := l.terms[word]; hit {
			return word, true
		}
	}
	return "", false
}

// Len returns the number of banned terms.
func (l *List) Len() int {
	return len(l.terms)
}
