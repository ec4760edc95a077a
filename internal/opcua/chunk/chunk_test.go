package chunk

import (
	"bytes"
	"testing"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

func TestAsymmetricSecurityHeaderRoundTrip(t *testing.T) {
	h := AsymmetricSecurityHeader{
		SecurityPolicyURI:             crypto.PolicyNone,
		SenderCertificate:             nil,
		ReceiverCertificateThumbprint: nil,
	}
	encoded := h.Encode()
	got, err := DecodeAsymmetricSecurityHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeAsymmetricSecurityHeader: %v", err)
	}
	if got.SecurityPolicyURI != h.SecurityPolicyURI {
		t.Fatalf("uri mismatch: %+v", got)
	}
}

func TestSymmetricSecurityHeaderRoundTrip(t *testing.T) {
	h := SymmetricSecurityHeader{TokenID: 42}
	buf := make([]byte, SymmetricSecurityHeaderSize)
	h.Encode(buf)
	got, err := DecodeSymmetricSecurityHeader(buf)
	if err != nil {
		t.Fatalf("DecodeSymmetricSecurityHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestHelloAckEndToEndOverNoneChannel(t *testing.T) {
	hello := ua.HelloBody{Version: 0, ReceiveBufSize: 65536, SendBufSize: 65536, MaxMessageSize: 1 << 20, MaxChunkCount: 100, EndpointURL: "opc.tcp://localhost:4840"}
	chunkBytes, err := EncodeHelloChunk(hello)
	if err != nil {
		t.Fatalf("EncodeHelloChunk: %v", err)
	}

	res, err := ProcessIncomingChunk(chunkBytes, nil, nil, NewSequenceState(), &ReassemblyBuffer{}, Limits{}, time.Now())
	if err != nil {
		t.Fatalf("ProcessIncomingChunk: %v", err)
	}
	if res.Kind != IncomingHello {
		t.Fatalf("expected IncomingHello, got %v", res.Kind)
	}
	got, err := ua.DecodeHello(res.Body)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got != hello {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, hello)
	}
}

func TestMsgSingleChunkRoundTripUnderNone(t *testing.T) {
	sc := &SecurityContext{Policy: noneProviderForTest(t), Mode: crypto.ModeNone, Current: &TokenKeys{TokenID: 1, LifetimeEnd: time.Now().Add(time.Hour)}}
	body := []byte("hello opc ua world, this is a service request body")

	chunks, err := EncodeMsgChunks(7, 1, ua.SequenceHeader{SequenceNumber: 1, RequestId: 99}, body, sc, 8192)
	if err != nil {
		t.Fatalf("EncodeMsgChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	reasm := &ReassemblyBuffer{}
	seq := NewSequenceState()
	res, err := ProcessIncomingChunk(chunks[0], sc, nil, seq, reasm, Limits{ReceiveMaxMessageSize: 1 << 20, ReceiveMaxChunkCount: 64}, time.Now())
	if err != nil {
		t.Fatalf("ProcessIncomingChunk: %v", err)
	}
	if res.Kind != IncomingMsgComplete {
		t.Fatalf("expected IncomingMsgComplete, got %v", res.Kind)
	}
	if !bytes.Equal(res.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", res.Body, body)
	}
}

func TestMsgSingleChunkRoundTripUnderSign(t *testing.T) {
	sc := signingSecurityContextForTest(t, crypto.ModeSign)
	body := []byte("hello opc ua world, signed but not encrypted")

	chunks, err := EncodeMsgChunks(7, 1, ua.SequenceHeader{SequenceNumber: 1, RequestId: 99}, body, sc, 8192)
	if err != nil {
		t.Fatalf("EncodeMsgChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	reasm := &ReassemblyBuffer{}
	seq := NewSequenceState()
	res, err := ProcessIncomingChunk(chunks[0], sc, nil, seq, reasm, Limits{ReceiveMaxMessageSize: 1 << 20, ReceiveMaxChunkCount: 64}, time.Now())
	if err != nil {
		t.Fatalf("ProcessIncomingChunk: %v", err)
	}
	if res.Kind != IncomingMsgComplete {
		t.Fatalf("expected IncomingMsgComplete, got %v", res.Kind)
	}
	if res.RequestID != 99 {
		t.Fatalf("expected sequence header recovered from the signed payload, got requestID %d", res.RequestID)
	}
	if !bytes.Equal(res.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", res.Body, body)
	}
}

func TestMsgSingleChunkRoundTripUnderSignAndEncrypt(t *testing.T) {
	sc := signingSecurityContextForTest(t, crypto.ModeSignAndEncrypt)
	body := []byte("hello opc ua world, signed and encrypted end to end")

	chunks, err := EncodeMsgChunks(7, 1, ua.SequenceHeader{SequenceNumber: 1, RequestId: 42}, body, sc, 8192)
	if err != nil {
		t.Fatalf("EncodeMsgChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	reasm := &ReassemblyBuffer{}
	seq := NewSequenceState()
	res, err := ProcessIncomingChunk(chunks[0], sc, nil, seq, reasm, Limits{ReceiveMaxMessageSize: 1 << 20, ReceiveMaxChunkCount: 64}, time.Now())
	if err != nil {
		t.Fatalf("ProcessIncomingChunk: %v", err)
	}
	if res.Kind != IncomingMsgComplete {
		t.Fatalf("expected IncomingMsgComplete, got %v", res.Kind)
	}
	if res.RequestID != 42 {
		t.Fatalf("expected sequence header recovered after decrypt, got requestID %d", res.RequestID)
	}
	if !bytes.Equal(res.Body, body) {
		t.Fatalf("body mismatch: got %q want %q", res.Body, body)
	}
}

func TestMsgSignAndEncryptRejectsTamperedCiphertext(t *testing.T) {
	sc := signingSecurityContextForTest(t, crypto.ModeSignAndEncrypt)
	body := []byte("tamper me")

	chunks, err := EncodeMsgChunks(7, 1, ua.SequenceHeader{SequenceNumber: 1, RequestId: 1}, body, sc, 8192)
	if err != nil {
		t.Fatalf("EncodeMsgChunks: %v", err)
	}
	tampered := append([]byte{}, chunks[0]...)
	tampered[len(tampered)-1] ^= 0xFF

	reasm := &ReassemblyBuffer{}
	seq := NewSequenceState()
	if _, err := ProcessIncomingChunk(tampered, sc, nil, seq, reasm, Limits{ReceiveMaxMessageSize: 1 << 20, ReceiveMaxChunkCount: 64}, time.Now()); err == nil {
		t.Fatalf("expected tampered ciphertext to fail signature verification")
	}
}

// signingSecurityContextForTest builds a Basic256Sha256 SecurityContext with
// identical send/recv keys, so the same SecurityContext can encode and then
// decode a chunk in a single test (a real channel would derive distinct
// client/server key sets; the wire-level round trip exercised here doesn't
// depend on which side used which key, only that encode and decode agree).
func signingSecurityContextForTest(t *testing.T, mode crypto.SecurityMode) *SecurityContext {
	t.Helper()
	p, err := crypto.ForPolicy(crypto.PolicyBasic256Sha256)
	if err != nil {
		t.Fatalf("ForPolicy(Basic256Sha256): %v", err)
	}
	sizes := p.SymmetricSizes()
	keys := crypto.KeySet{
		SignKey: bytesOfLenChunk(sizes.SignKeyLength, 0x5A),
		EncKey:  bytesOfLenChunk(sizes.EncKeyLength, 0xA5),
		InitVec: bytesOfLenChunk(sizes.InitVecLength, 0x3C),
	}
	return &SecurityContext{
		Policy: p,
		Mode:   mode,
		Current: &TokenKeys{
			TokenID:     1,
			Send:        keys,
			Recv:        keys,
			LifetimeEnd: time.Now().Add(time.Hour),
		},
	}
}

func bytesOfLenChunk(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestMsgMultiChunkReassembly(t *testing.T) {
	sc := &SecurityContext{Policy: noneProviderForTest(t), Mode: crypto.ModeNone, Current: &TokenKeys{TokenID: 1, LifetimeEnd: time.Now().Add(time.Hour)}}
	body := bytes.Repeat([]byte("X"), 300)

	chunks, err := EncodeMsgChunks(7, 1, ua.SequenceHeader{SequenceNumber: 1, RequestId: 5}, body, sc, symNonEncryptedHeaderSize+ua.SequenceHeaderSize+100)
	if err != nil {
		t.Fatalf("EncodeMsgChunks: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	reasm := &ReassemblyBuffer{}
	seq := NewSequenceState()
	var last *IncomingResult
	for i, c := range chunks {
		res, err := ProcessIncomingChunk(c, sc, nil, seq, reasm, Limits{ReceiveMaxMessageSize: 1 << 20, ReceiveMaxChunkCount: 64}, time.Now())
		if err != nil {
			t.Fatalf("chunk %d: ProcessIncomingChunk: %v", i, err)
		}
		last = res
	}
	if last.Kind != IncomingMsgComplete {
		t.Fatalf("expected final chunk to complete the message, got %v", last.Kind)
	}
	if !bytes.Equal(last.Body, body) {
		t.Fatalf("reassembled body mismatch: got %d bytes want %d", len(last.Body), len(body))
	}
}

func TestReassemblyBufferEnforcesMaxChunkCount(t *testing.T) {
	r := &ReassemblyBuffer{}
	if err := r.Append([]byte("a"), 2); err != nil {
		t.Fatalf("first append should succeed: %v", err)
	}
	if err := r.Append([]byte("b"), 2); err == nil {
		t.Fatalf("expected BadTcpMessageTooLarge on second append with limit 2")
	} else if code, ok := protoerr.StatusOf(err); !ok || code != protoerr.BadTcpMessageTooLarge {
		t.Fatalf("expected BadTcpMessageTooLarge, got %v ok=%v", code, ok)
	}
}

func TestReassemblyBufferEnforcesMaxMessageSize(t *testing.T) {
	r := &ReassemblyBuffer{}
	if err := r.Append(make([]byte, 50), 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := r.Finish(make([]byte, 60), 100); err == nil {
		t.Fatalf("expected BadTcpMessageTooLarge")
	}
}

func TestPaddingSizeComputation(t *testing.T) {
	size, err := paddingSize(100, 16, 32)
	if err != nil {
		t.Fatalf("paddingSize: %v", err)
	}
	if (100+32+1+size)%16 != 0 {
		t.Fatalf("padding %d does not round up to block multiple", size)
	}
}

func TestStripPaddingRoundTrip(t *testing.T) {
	plaintext := []byte("payload")
	padded := appendPadding(append([]byte{}, plaintext...), 5, false)
	stripped, err := stripPadding(padded, false)
	if err != nil {
		t.Fatalf("stripPadding: %v", err)
	}
	if !bytes.Equal(stripped, plaintext) {
		t.Fatalf("got %q want %q", stripped, plaintext)
	}
}

func TestStripPaddingRejectsOversizeClaim(t *testing.T) {
	if _, err := stripPadding([]byte{250}, false); err == nil {
		t.Fatalf("expected error for padding size exceeding buffer")
	}
}

func TestMaxBodySizeRejectsTinyChunkSize(t *testing.T) {
	if _, err := maxBodySize(10, 100, false, 1, 1, 0); err == nil {
		t.Fatalf("expected error when chunk size smaller than header size")
	}
}

func TestSelectTokenAcceptsCurrentAndPrecedent(t *testing.T) {
	sc := &SecurityContext{
		Current:   &TokenKeys{TokenID: 2, LifetimeEnd: time.Now().Add(time.Hour)},
		Precedent: &TokenKeys{TokenID: 1, LifetimeEnd: time.Now().Add(time.Hour)},
	}
	if _, err := sc.SelectToken(2, time.Now()); err != nil {
		t.Fatalf("expected current token accepted: %v", err)
	}
	if _, err := sc.SelectToken(1, time.Now()); err != nil {
		t.Fatalf("expected precedent token accepted: %v", err)
	}
	if _, err := sc.SelectToken(99, time.Now()); err == nil {
		t.Fatalf("expected unknown token rejected")
	}
}

func TestSelectTokenServerRejectsPrecedentAfterNewActive(t *testing.T) {
	sc := &SecurityContext{
		IsServer:  true,
		Current:   &TokenKeys{TokenID: 2, LifetimeEnd: time.Now().Add(time.Hour)},
		Precedent: &TokenKeys{TokenID: 1, LifetimeEnd: time.Now().Add(time.Hour)},
	}
	if _, err := sc.SelectToken(2, time.Now()); err != nil {
		t.Fatalf("expected current token accepted: %v", err)
	}
	if !sc.ServerNewTokenActive {
		t.Fatalf("expected ServerNewTokenActive to be set")
	}
	if _, err := sc.SelectToken(1, time.Now()); err == nil {
		t.Fatalf("expected precedent token now rejected")
	}
}

func TestSelectTokenRejectsExpired(t *testing.T) {
	sc := &SecurityContext{Current: &TokenKeys{TokenID: 1, LifetimeEnd: time.Now().Add(-time.Minute)}}
	if _, err := sc.SelectToken(1, time.Now()); err == nil {
		t.Fatalf("expected expired token rejected")
	}
}

func TestSequenceStateWraparound(t *testing.T) {
	s := NewSequenceState()
	if err := s.Check(^uint32(0)-11, true); err != nil {
		t.Fatalf("first check should always succeed: %v", err)
	}
	if err := s.Check(^uint32(0) - 10, false); err != nil {
		t.Fatalf("unexpected error advancing: %v", err)
	}
	if err := s.Check(3, false); err != nil {
		t.Fatalf("expected wraparound acceptance: %v", err)
	}
	if err := s.Check(100, false); err == nil {
		t.Fatalf("expected gap rejection")
	}
}

func TestBuildErrBodyRedactsSecurityFailureReason(t *testing.T) {
	b := BuildErrBody(protoerr.BadSecurityChecksFailed, "certificate chain invalid")
	if b.Reason != "" {
		t.Fatalf("expected redacted reason, got %q", b.Reason)
	}
	b2 := BuildErrBody(protoerr.BadTcpInternalError, "disk full")
	if b2.Reason != "disk full" {
		t.Fatalf("expected reason preserved for non-security errors, got %q", b2.Reason)
	}
}

func noneProviderForTest(t *testing.T) crypto.Provider {
	t.Helper()
	p, err := crypto.ForPolicy(crypto.PolicyNone)
	if err != nil {
		t.Fatalf("ForPolicy(None): %v", err)
	}
	return p
}
