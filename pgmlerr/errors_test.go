package pgmlerr

import (
	"errors"
	"testing"
)

func TestIsMatchesByKindOnly(t *testing.T) {
	err := WrapField(NotFound, "title", "pipeline missing", errors.New("boom"))
	if !errors.Is(err, Sentinel(NotFound)) {
		t.Fatal("expected errors.Is to match same Kind regardless of message/field")
	}
	if errors.Is(err, Sentinel(Conflict)) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestUnwrapReturnsWrappedError(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(Database, "query failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorMessageIncludesField(t *testing.T) {
	err := WrapField(SyncFailed, "body", "embedding mismatch", nil)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Field != "body" {
		t.Fatalf("expected field to round-trip through errors.As, got %+v", pe)
	}
}

func TestAggregateJoinedErrorsInspectable(t *testing.T) {
	e1 := New(SyncFailed, "batch 1 failed")
	e2 := New(Database, "batch 2 failed")
	joined := errors.Join(e1, e2)
	if !errors.Is(joined, Sentinel(SyncFailed)) || !errors.Is(joined, Sentinel(Database)) {
		t.Fatal("expected errors.Join result to match both constituent kinds")
	}
}
