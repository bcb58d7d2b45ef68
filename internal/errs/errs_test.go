package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("pocket %q: %w", "p1", ErrCannotPause)
	if !errors.Is(err, ErrCannotPause) {
		t.Fatalf("expected wrapped sentinel to match")
	}
	if KindOf(err) != KindState {
		t.Fatalf("kind mismatch: %s", KindOf(err))
	}
	if CodeOf(err) != "CannotPause" {
		t.Fatalf("code mismatch: %s", CodeOf(err))
	}
}

func TestRetryLater(t *testing.T) {
	if !IsRetryLater(fmt.Errorf("swap: %w", ErrNotDue)) {
		t.Fatalf("schedule errors should be retryable later")
	}
	if !IsRetryLater(ErrConditionNotReached) {
		t.Fatalf("condition errors should be retryable later")
	}
	if IsRetryLater(ErrSlippageExceeded) {
		t.Fatalf("slippage is a market failure, not a schedule one")
	}
	if IsRetryLater(errors.New("boom")) {
		t.Fatalf("plain errors are not retryable")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatalf("plain errors have unknown kind")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil has no kind")
	}
}
