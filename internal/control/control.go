// Package control holds the per-turn admission checks: input limits and a
// circuit breaker that fails turns fast while the inference service is down.
package control

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptyUtterance rejects blank input before any state changes.
var ErrEmptyUtterance = errors.New("utterance is empty")

// Policy defines per-turn input limits.
type Policy struct {
	// MaxUtteranceChars caps the utterance length in runes; 0 disables it.
	MaxUtteranceChars int
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{MaxUtteranceChars: 4000}
}

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitUtteranceChars LimitType = "max_utterance_chars"
)

// LimitError indicates a turn limit was reached.
type LimitError struct {
	Type      LimitType
	Value     int64
	Threshold int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s value=%d threshold=%d", e.Type, e.Value, e.Threshold)
}

// CheckUtterance validates a user utterance against policy.
func CheckUtterance(p Policy, utterance string) error {
	if strings.TrimSpace(utterance) == "" {
		return ErrEmptyUtterance
	}
	if p.MaxUtteranceChars <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(utterance); n > p.MaxUtteranceChars {
		return &LimitError{Type: LimitUtteranceChars, Value: int64(n), Threshold: int64(p.MaxUtteranceChars)}
	}
	return nil
}
