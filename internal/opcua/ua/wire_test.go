package ua

import (
	"bytes"
	"testing"
)

func TestCommonHeaderRoundTrip(t *testing.T) {
	h := CommonHeader{Type: MessageTypeMSG, Final: IsFinalFinal, MessageSize: 128}
	buf := make([]byte, CommonHeaderSize)
	h.Encode(buf)

	got, err := DecodeCommonHeader(buf)
	if err != nil {
		t.Fatalf("DecodeCommonHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeCommonHeaderShortBuffer(t *testing.T) {
	if _, err := DecodeCommonHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestMessageTypeClassification(t *testing.T) {
	cases := []struct {
		mt            MessageType
		known         bool
		hasSecHeader  bool
	}{
		{MessageTypeHEL, true, false},
		{MessageTypeACK, true, false},
		{MessageTypeERR, true, false},
		{MessageTypeRHE, true, false},
		{MessageTypeOPN, true, true},
		{MessageTypeCLO, true, true},
		{MessageTypeMSG, true, true},
		{MessageType{'X', 'X', 'X'}, false, false},
	}
	for _, tc := range cases {
		if got := tc.mt.IsKnown(); got != tc.known {
			t.Errorf("%s: IsKnown() = %v, want %v", tc.mt, got, tc.known)
		}
		if got := tc.mt.HasSecureChannelHeader(); got != tc.hasSecHeader {
			t.Errorf("%s: HasSecureChannelHeader() = %v, want %v", tc.mt, got, tc.hasSecHeader)
		}
	}
}

func TestIsFinalValid(t *testing.T) {
	for _, f := range []IsFinal{IsFinalFinal, IsFinalIntermediate, IsFinalAbort} {
		if !f.Valid() {
			t.Errorf("%c should be valid", byte(f))
		}
	}
	if IsFinal('Z').Valid() {
		t.Errorf("'Z' should not be a valid IsFinal marker")
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := WriteString(nil, "opc.tcp://localhost:4840", false)
	s, isNull, err := ReadString(bytes.NewReader(buf), MaxURLBytes)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if isNull {
		t.Fatalf("expected non-null string")
	}
	if s != "opc.tcp://localhost:4840" {
		t.Fatalf("got %q", s)
	}
}

func TestStringNullRoundTrip(t *testing.T) {
	buf := WriteString(nil, "", true)
	s, isNull, err := ReadString(bytes.NewReader(buf), MaxURLBytes)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if !isNull {
		t.Fatalf("expected null string")
	}
	if s != "" {
		t.Fatalf("expected empty string for null, got %q", s)
	}
}

func TestReadStringExceedsBound(t *testing.T) {
	buf := WriteString(nil, string(make([]byte, 100)), false)
	if _, _, err := ReadString(bytes.NewReader(buf), 10); err == nil {
		t.Fatalf("expected bound violation error")
	}
}

func TestByteStringRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	buf := WriteByteString(nil, payload)
	got, err := ReadByteString(bytes.NewReader(buf), 4096)
	if err != nil {
		t.Fatalf("ReadByteString: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x want %x", got, payload)
	}
}

func TestByteStringNilIsNull(t *testing.T) {
	buf := WriteByteString(nil, nil)
	got, err := ReadByteString(bytes.NewReader(buf), 4096)
	if err != nil {
		t.Fatalf("ReadByteString: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil slice for null ByteString, got %v", got)
	}
}

func TestSequenceHeaderRoundTrip(t *testing.T) {
	sh := SequenceHeader{SequenceNumber: 42, RequestId: 7}
	buf := make([]byte, SequenceHeaderSize)
	sh.Encode(buf)
	got, err := DecodeSequenceHeader(buf)
	if err != nil {
		t.Fatalf("DecodeSequenceHeader: %v", err)
	}
	if got != sh {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, sh)
	}
}

func TestSequenceNumberInOrder(t *testing.T) {
	cases := []struct {
		name       string
		prev, got  uint32
		first, want bool
	}{
		{"first accepted unconditionally", 999, 5, true, true},
		{"simple increment", 10, 11, false, true},
		{"gap rejected", 10, 12, false, false},
		{"wraparound accepted", ^uint32(0) - 500, 100, false, true},
		{"wraparound boundary rejected when got too large", ^uint32(0) - 500, SequenceNumberWrapThreshold, false, false},
		{"no wrap when prev not near max", 100, 50, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SequenceNumberInOrder(tc.prev, tc.got, tc.first); got != tc.want {
				t.Errorf("SequenceNumberInOrder(%d, %d, %v) = %v, want %v", tc.prev, tc.got, tc.first, got, tc.want)
			}
		})
	}
}
