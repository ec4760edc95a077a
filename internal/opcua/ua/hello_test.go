package ua

import (
	"strings"
	"testing"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

func TestHelloRoundTrip(t *testing.T) {
	h := HelloBody{
		Version:        0,
		ReceiveBufSize: 65536,
		SendBufSize:    65536,
		MaxMessageSize: 1 << 20,
		MaxChunkCount:  512,
		EndpointURL:    "opc.tcp://127.0.0.1:4840/server",
	}
	buf, err := EncodeHello(h)
	if err != nil {
		t.Fatalf("EncodeHello: %v", err)
	}
	got, err := DecodeHello(buf)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestHelloRejectsOversizeURL(t *testing.T) {
	h := HelloBody{EndpointURL: strings.Repeat("x", MaxURLBytes+1)}
	if _, err := EncodeHello(h); err == nil {
		t.Fatalf("expected error for oversize endpoint url")
	} else if code, ok := protoerr.StatusOf(err); !ok || code != protoerr.BadTcpEndpointUrlInvalid {
		t.Fatalf("expected BadTcpEndpointUrlInvalid, got %v ok=%v", code, ok)
	}
}

func TestAckRoundTrip(t *testing.T) {
	a := AckBody{Version: 0, ReceiveBufSize: 8192, SendBufSize: 8192, MaxMessageSize: 1 << 16, MaxChunkCount: 1}
	buf := EncodeAck(a)
	got, err := DecodeAck(buf)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, a)
	}
}

func TestErrRoundTrip(t *testing.T) {
	e := ErrBody{StatusCode: protoerr.BadSecurityChecksFailed, Reason: "certificate rejected"}
	buf := EncodeErr(e)
	got, err := DecodeErr(buf)
	if err != nil {
		t.Fatalf("DecodeErr: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
}

func TestErrEmptyReason(t *testing.T) {
	e := ErrBody{StatusCode: protoerr.BadTcpInternalError, Reason: ""}
	buf := EncodeErr(e)
	got, err := DecodeErr(buf)
	if err != nil {
		t.Fatalf("DecodeErr: %v", err)
	}
	if got.Reason != "" {
		t.Fatalf("expected empty reason, got %q", got.Reason)
	}
}

func TestErrTruncatesOversizeReason(t *testing.T) {
	e := ErrBody{StatusCode: protoerr.BadTcpInternalError, Reason: strings.Repeat("y", MaxReasonBytes+100)}
	buf := EncodeErr(e)
	got, err := DecodeErr(buf)
	if err != nil {
		t.Fatalf("DecodeErr: %v", err)
	}
	if len(got.Reason) != MaxReasonBytes {
		t.Fatalf("expected truncated reason of %d bytes, got %d", MaxReasonBytes, len(got.Reason))
	}
}

func TestReverseHelloRoundTrip(t *testing.T) {
	rhe := ReverseHelloBody{ServerURI: "urn:example:server", EndpointURL: "opc.tcp://127.0.0.1:4840/server"}
	buf, err := EncodeReverseHello(rhe)
	if err != nil {
		t.Fatalf("EncodeReverseHello: %v", err)
	}
	got, err := DecodeReverseHello(buf)
	if err != nil {
		t.Fatalf("DecodeReverseHello: %v", err)
	}
	if got != rhe {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rhe)
	}
}
