package voice

import (
	"errors"
	"testing"
	"time"
)

func TestStreamTokens_RoundTrip(t *testing.T) {
	tokens, err := NewStreamTokens("s3cret", time.Minute)
	if err != nil {
		t.Fatalf("NewStreamTokens() error = %v", err)
	}
	token, err := tokens.Issue("CA123")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	got, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "CA123" {
		t.Fatalf("Verify() = %q, want CA123", got)
	}
}

func TestStreamTokens_Rejects(t *testing.T) {
	tokens, _ := NewStreamTokens("s3cret", time.Minute)
	other, _ := NewStreamTokens("different", time.Minute)
	token, _ := other.Issue("CA123")

	if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidStreamToken) {
		t.Fatalf("foreign token error = %v", err)
	}
	if _, err := tokens.Verify("not-a-token"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Fatalf("garbage token error = %v", err)
	}

	issued := time.Now().Add(-time.Hour)
	tokens.now = func() time.Time { return issued }
	stale, _ := tokens.Issue("CA123")
	tokens.now = time.Now
	if _, err := tokens.Verify(stale); !errors.Is(err, ErrInvalidStreamToken) {
		t.Fatalf("expired token error = %v", err)
	}
}

func TestNewStreamTokens_RequiresSecret(t *testing.T) {
	if _, err := NewStreamTokens("  ", 0); !errors.Is(err, ErrStreamTokensDisabled) {
		t.Fatalf("error = %v", err)
	}
	var nilTokens *StreamTokens
	if _, err := nilTokens.Issue("CA1"); !errors.Is(err, ErrStreamTokensDisabled) {
		t.Fatalf("nil Issue error = %v", err)
	}
}
