package herrors

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("filing not found")
	wrapped := eris.Wrap(New(KindPortalPermanent, base), "portal: detail fetch")

	if !Is(wrapped, KindPortalPermanent) {
		t.Errorf("Is() = false, want true")
	}
	if Is(wrapped, KindStorage) {
		t.Errorf("Is(KindStorage) = true, want false")
	}

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindPortalPermanent {
		t.Errorf("KindOf() = (%q, %v), want (%q, true)", kind, ok, KindPortalPermanent)
	}
}

func TestRetryableAndTerminal(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		terminal  bool
	}{
		{KindStorage, true, false},
		{KindPortalTransient, true, false},
		{KindPortalBlocked, false, false},
		{KindPortalPermanent, false, true},
		{KindLLMTransient, true, false},
		{KindLLMBadOutput, false, true},
		{KindParsePartial, false, false},
		{KindValidation, false, true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.kind); got != tt.retryable {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.retryable)
		}
		if got := Terminal(tt.kind); got != tt.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tt.kind, got, tt.terminal)
		}
	}
}
