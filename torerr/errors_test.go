package torerr

import (
	"errors"
	"testing"
)

func TestNewWrapsUnderlying(t *testing.T) {
	base := errors.New("boom")
	te := New(CategoryProtocolViolation, EndReasonTorProtocol, "circuit.decrypt", base)
	if !errors.Is(te, base) {
		t.Fatal("expected errors.Is to find wrapped base error")
	}
	if te.Category.String() != "protocol-violation" {
		t.Fatalf("unexpected category string: %s", te.Category)
	}
}

func TestAsExtractsCategory(t *testing.T) {
	err := Wrapf(CategoryTransientLink, EndReasonConnReset, "link.read", "tls reset: %s", "eof")
	te, ok := As(err)
	if !ok {
		t.Fatal("expected As to succeed")
	}
	if te.Reason != EndReasonConnReset {
		t.Fatalf("reason mismatch: %v", te.Reason)
	}
}

func TestEndReasonStringTable(t *testing.T) {
	if EndReasonDestroy.String() != "DESTROY" {
		t.Fatalf("got %s", EndReasonDestroy)
	}
	if EndReason(99).String() != "UNKNOWN" {
		t.Fatal("expected UNKNOWN for out-of-range reason")
	}
}
