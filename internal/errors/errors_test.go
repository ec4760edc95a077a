package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics (we don't need full net.Error here).
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestStatusOfClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	se := NewSecurityError("chunk.verify", BadSecurityChecksFailed, wrapped)
	code, ok := StatusOf(se)
	if !ok || code != BadSecurityChecksFailed {
		t.Fatalf("expected BadSecurityChecksFailed, got %v ok=%v", code, ok)
	}
	if !stdErrors.Is(se, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var secErr *SecurityError
	if !stdErrors.As(se, &secErr) {
		t.Fatalf("expected errors.As to *SecurityError")
	}
	if secErr.Op != "chunk.verify" {
		t.Fatalf("unexpected op: %s", secErr.Op)
	}

	fe := NewFramingError("reader.header", BadTcpMessageTypeInvalid, nil)
	if code, ok := StatusOf(fe); !ok || code != BadTcpMessageTypeInvalid {
		t.Fatalf("expected framing status, got %v ok=%v", code, ok)
	}
	ce := NewChannelError("scsm.token", BadSecureChannelTokenUnknown, nil)
	if code, ok := StatusOf(ce); !ok || code != BadSecureChannelTokenUnknown {
		t.Fatalf("expected channel status, got %v ok=%v", code, ok)
	}
	re := NewResourceError("slsm.table", BadOutOfMemory, nil)
	if code, ok := StatusOf(re); !ok || code != BadOutOfMemory {
		t.Fatalf("expected resource status, got %v ok=%v", code, ok)
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("establish.read", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if code, ok := StatusOf(to); !ok || code != BadTimeout {
		t.Fatalf("expected BadTimeout status, got %v ok=%v", code, ok)
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("io EOF")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewFramingError("establish.read", BadDecodingError, l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var sm statusMarker
	if !stdErrors.As(l2, &sm) {
		t.Fatalf("expected to match statusMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if _, ok := StatusOf(nil); ok {
		t.Fatalf("nil should not carry a status")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
}

func TestConstructorWithoutCause(t *testing.T) {
	fe := NewFramingError("parse.msgHeader", BadDecodingError, nil)
	if fe == nil {
		t.Fatalf("constructor returned nil")
	}
	if errStr := fe.Error(); errStr == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestStatusCodeStringFallback(t *testing.T) {
	if got := BadTimeout.String(); got != "BadTimeout" {
		t.Fatalf("unexpected name: %s", got)
	}
	unknown := StatusCode(0x12345678)
	if got := unknown.String(); got == "" {
		t.Fatalf("expected non-empty fallback string")
	}
}

func TestNegativePredicates(t *testing.T) {
	if _, ok := StatusOf(stdErrors.New("plain")); ok {
		t.Fatalf("plain error shouldn't carry a status")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be timeout")
	}
}
