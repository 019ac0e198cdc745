package berrors_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/berrors"
)

func TestWrap_IsMatchesSentinel(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := berrors.Wrap(berrors.KindTransientNetwork, "send_message failed", cause)

	if !errors.Is(err, berrors.ErrTransientNetwork) {
		t.Fatal("expected errors.Is to match ErrTransientNetwork")
	}
	if errors.Is(err, berrors.ErrRateLimited) {
		t.Fatal("did not expect errors.Is to match ErrRateLimited")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to still reach the wrapped cause")
	}
}

func TestWrap_UnknownKindFallsBackToFatal(t *testing.T) {
	err := berrors.Wrap(berrors.Kind("nonsense"), "oops", nil)
	if !errors.Is(err, berrors.ErrFatal) {
		t.Fatal("expected unknown kind to fall back to ErrFatal")
	}
}

func TestWrap_NilCauseStillReportsMessage(t *testing.T) {
	err := berrors.Wrap(berrors.KindMalformedInput, "bad envelope", nil)
	if err.Error() != "bad envelope" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
