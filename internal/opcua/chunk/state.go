package chunk

import (
	"crypto/rsa"
	"fmt"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
)

// TokenKeys is one security token's derived key material and expiry, as
// tracked by SCSM and consulted by the chunk manager on every symmetric
// chunk (§4.1.2).
type TokenKeys struct {
	TokenID         uint32
	Send            crypto.KeySet
	Recv            crypto.KeySet
	LifetimeEnd     time.Time
	RevisedLifetime time.Duration
}

// expired reports whether now is past this token's acceptance window.
// isClient extends the window by 25% of RevisedLifetime past LifetimeEnd,
// per the client grace period in §4.1.2 / OPC UA Part 4.
func (t TokenKeys) expired(now time.Time, isClient bool) bool {
	deadline := t.LifetimeEnd
	if isClient {
		deadline = deadline.Add(t.RevisedLifetime / 4)
	}
	return now.After(deadline)
}

// SecurityContext is the per-connection cryptographic state the chunk
// manager needs to validate and process chunks; SCSM owns and mutates it
// across OPN/renewal events.
type SecurityContext struct {
	Policy crypto.Provider
	Mode   crypto.SecurityMode

	LocalPrivateKey *rsa.PrivateKey
	LocalCertDER    []byte
	PeerCertDER     []byte
	PeerPublicKey   *rsa.PublicKey

	// Current / Precedent are nil until the first OPN response; Precedent
	// is nil until the first renewal.
	Current   *TokenKeys
	Precedent *TokenKeys

	// ServerNewTokenActive is set once the server has accepted a chunk
	// under Current after a renewal, after which Precedent is rejected
	// (§4.1.2).
	ServerNewTokenActive bool

	IsServer bool
}

// SelectToken implements the §4.1.2 two-token acceptance rule. On success
// it returns the matching TokenKeys and, for the server, flips
// ServerNewTokenActive the first time Current is used after a renewal.
func (s *SecurityContext) SelectToken(tokenID uint32, now time.Time) (*TokenKeys, error) {
	if s.Current != nil && s.Current.TokenID == tokenID {
		if s.Current.expired(now, !s.IsServer) {
			return nil, protoerr.NewChannelError("chunk.select_token", protoerr.BadSecureChannelTokenUnknown,
				fmt.Errorf("token %d expired", tokenID))
		}
		if s.IsServer && s.Precedent != nil {
			s.ServerNewTokenActive = true
		}
		return s.Current, nil
	}
	if s.Precedent != nil && s.Precedent.TokenID == tokenID {
		if s.IsServer && s.ServerNewTokenActive {
			return nil, protoerr.NewChannelError("chunk.select_token", protoerr.BadSecureChannelTokenUnknown,
				fmt.Errorf("precedent token %d rejected after new token activation", tokenID))
		}
		if s.Precedent.expired(now, !s.IsServer) {
			return nil, protoerr.NewChannelError("chunk.select_token", protoerr.BadSecureChannelTokenUnknown,
				fmt.Errorf("precedent token %d expired", tokenID))
		}
		return s.Precedent, nil
	}
	return nil, protoerr.NewChannelError("chunk.select_token", protoerr.BadSecureChannelTokenUnknown,
		fmt.Errorf("unknown token id %d", tokenID))
}

// SequenceState tracks the continuity rule of §4.1.3 for one direction of
// traffic on one connection.
type SequenceState struct {
	prev  uint32
	first bool
}

// NewSequenceState returns a tracker primed for the very first chunk.
func NewSequenceState() *SequenceState { return &SequenceState{first: true} }

// Check validates got against the tracked previous value and, on success,
// advances the tracker. resetUnconditional is true for an OPN, whose
// sequence number is accepted and adopted regardless of prior state
// (§4.1.3).
func (s *SequenceState) Check(got uint32, resetUnconditional bool) error {
	if resetUnconditional {
		s.prev = got
		s.first = false
		return nil
	}
	if !okSeq(s, got) {
		return protoerr.NewSecurityError("chunk.sequence", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("sequence number %d does not follow %d", got, s.prev))
	}
	s.prev = got
	s.first = false
	return nil
}

func okSeq(s *SequenceState, got uint32) bool {
	return sequenceInOrder(s.prev, got, s.first)
}

// sequenceInOrder is re-declared here (rather than imported from ua) to
// keep this package's sequence bookkeeping self-contained; the rule itself
// is identical to ua.SequenceNumberInOrder.
func sequenceInOrder(prev, got uint32, first bool) bool {
	if first {
		return true
	}
	if got == prev+1 {
		return true
	}
	const wrapThreshold = 1024
	if prev > ^uint32(0)-wrapThreshold && got < wrapThreshold {
		return true
	}
	return false
}

// SentRequestContext records one outstanding client request awaiting a
// response, keyed by RequestId (§4.1.3).
type SentRequestContext struct {
	RequestID       uint32
	RequestHandle   uint32
	ExpectedMsgType string
	TimeoutExpired  bool
}

// ReassemblyBuffer accumulates the intermediate chunks of one in-flight MSG
// (§4.1.4). Not safe for concurrent use; owned by one connection's loop.
type ReassemblyBuffer struct {
	chunks   [][]byte
	totalLen int
}

// Reset discards any accumulated chunks (used on abort or after delivery).
func (r *ReassemblyBuffer) Reset() {
	r.chunks = nil
	r.totalLen = 0
}

// Append adds an intermediate chunk's decrypted, unpadded body. It fails
// with BadTcpMessageTooLarge if accepting it would reach maxChunkCount
// (§4.1.4).
func (r *ReassemblyBuffer) Append(body []byte, maxChunkCount int) error {
	if maxChunkCount > 0 && len(r.chunks)+1 >= maxChunkCount {
		r.Reset()
		return protoerr.NewResourceError("chunk.reassembly.append", protoerr.BadTcpMessageTooLarge,
			fmt.Errorf("accumulated chunk count would reach limit %d", maxChunkCount))
	}
	r.chunks = append(r.chunks, body)
	r.totalLen += len(body)
	return nil
}

// Finish concatenates all accumulated chunks plus the final chunk's body
// into one buffer, enforcing maxMessageSize, then resets the buffer
// (§4.1.4).
func (r *ReassemblyBuffer) Finish(final []byte, maxMessageSize int) ([]byte, error) {
	total := r.totalLen + len(final)
	if maxMessageSize > 0 && total > maxMessageSize {
		r.Reset()
		return nil, protoerr.NewResourceError("chunk.reassembly.finish", protoerr.BadTcpMessageTooLarge,
			fmt.Errorf("reassembled message size %d exceeds limit %d", total, maxMessageSize))
	}
	out := make([]byte, 0, total)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	out = append(out, final...)
	r.Reset()
	return out, nil
}
