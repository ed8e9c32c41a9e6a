package control

import (
	"errors"
	"strings"
	"testing"
)

func TestCheckUtterance(t *testing.T) {
	p := Policy{MaxUtteranceChars: 5}

	if err := CheckUtterance(p, "Kya?"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	for _, blank := range []string{"", "   ", "\n\t"} {
		if !errors.Is(CheckUtterance(p, blank), ErrEmptyUtterance) {
			t.Errorf("expected ErrEmptyUtterance for %q", blank)
		}
	}

	err := CheckUtterance(p, "toolong")
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if limitErr.Type != LimitUtteranceChars || limitErr.Value != 7 || limitErr.Threshold != 5 {
		t.Errorf("unexpected limit error %+v", limitErr)
	}

	// Runes, not bytes.
	if err := CheckUtterance(p, "नमस्ते"); err == nil {
		t.Error("expected limit on a six-rune utterance")
	}
	if err := CheckUtterance(p, "हाँ"); err != nil {
		t.Errorf("three-rune utterance should pass: %v", err)
	}
}

func TestCheckUtterance_Unlimited(t *testing.T) {
	if err := CheckUtterance(Policy{}, strings.Repeat("a", 100000)); err != nil {
		t.Fatalf("zero limit should disable the check: %v", err)
	}
}

func TestDefaultPolicy(t *testing.T) {
	if DefaultPolicy().MaxUtteranceChars != 4000 {
		t.Fatalf("unexpected default %+v", DefaultPolicy())
	}
}
