package chunk

import (
	"bytes"
	"fmt"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/pki"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// Limits bounds what the receive pipeline will accept, negotiated during
// HEL/ACK (§4.1.4, §6).
type Limits struct {
	ReceiveBufferSize  int
	ReceiveMaxMessageSize int
	ReceiveMaxChunkCount  int
}

// IncomingKind classifies what ProcessIncomingChunk produced.
type IncomingKind int

const (
	IncomingHello IncomingKind = iota
	IncomingAck
	IncomingErr
	IncomingReverseHello
	IncomingOpn
	IncomingClo
	IncomingMsgComplete
	IncomingMsgIntermediate
	IncomingMsgAbort
)

// IncomingResult is what the chunk manager hands up to SCSM after
// processing one chunk.
type IncomingResult struct {
	Kind            IncomingKind
	SecureChannelID uint32
	RequestID       uint32
	SequenceNumber  uint32
	TokenID         uint32
	Body            []byte    // plain, padding-stripped application body
	AbortStatus     protoerr.StatusCode
	AbortReason     string
	AsymHeader      *AsymmetricSecurityHeader
}

// ProcessIncomingChunk runs one fully-received chunk (raw, as delivered by
// the transport layer including its common header) through validation,
// decryption and — for MSG — reassembly (§4.1 steps 1-4).
//
// sc is nil for chunks preceding OPN completion (HEL/ACK/ERR/RHE never need
// it; a server's first OPN also reaches here with sc non-nil but without a
// Current token yet, since asymmetric crypto doesn't consult tokens).
func ProcessIncomingChunk(raw []byte, sc *SecurityContext, pkiProvider pki.Provider, seq *SequenceState, reasm *ReassemblyBuffer, limits Limits, now time.Time) (*IncomingResult, error) {
	common, err := ua.DecodeCommonHeader(raw)
	if err != nil {
		return nil, err
	}
	if !common.Type.IsKnown() {
		return nil, protoerr.NewFramingError("chunk.process", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("unrecognized message type %q", common.Type))
	}
	if !common.Final.Valid() {
		return nil, protoerr.NewFramingError("chunk.process", protoerr.BadDecodingError,
			fmt.Errorf("invalid IsFinal marker %q", byte(common.Final)))
	}
	if limits.ReceiveBufferSize > 0 && int(common.MessageSize) > limits.ReceiveBufferSize {
		return nil, protoerr.NewResourceError("chunk.process", protoerr.BadTcpMessageTooLarge,
			fmt.Errorf("chunk size %d exceeds negotiated receive buffer %d", common.MessageSize, limits.ReceiveBufferSize))
	}
	if int(common.MessageSize) > len(raw) {
		return nil, protoerr.NewFramingError("chunk.process", protoerr.BadDecodingError,
			fmt.Errorf("declared message size %d exceeds received %d bytes", common.MessageSize, len(raw)))
	}

	r := bytes.NewReader(raw[ua.CommonHeaderSize:int(common.MessageSize)])

	switch common.Type {
	case ua.MessageTypeHEL:
		return &IncomingResult{Kind: IncomingHello, Body: drain(r)}, nil
	case ua.MessageTypeACK:
		return &IncomingResult{Kind: IncomingAck, Body: drain(r)}, nil
	case ua.MessageTypeERR:
		return &IncomingResult{Kind: IncomingErr, Body: drain(r)}, nil
	case ua.MessageTypeRHE:
		return &IncomingResult{Kind: IncomingReverseHello, Body: drain(r)}, nil
	case ua.MessageTypeOPN:
		return processOpn(common, r, sc, pkiProvider, seq)
	case ua.MessageTypeCLO, ua.MessageTypeMSG:
		return processSymmetric(common, r, sc, seq, reasm, limits, now)
	default:
		return nil, protoerr.NewFramingError("chunk.process", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("unhandled message type %q", common.Type))
	}
}

func drain(r *bytes.Reader) []byte {
	buf := make([]byte, r.Len())
	_, _ = r.Read(buf)
	return buf
}

func processOpn(common ua.CommonHeader, r *bytes.Reader, sc *SecurityContext, pkiProvider pki.Provider, seq *SequenceState) (*IncomingResult, error) {
	header, err := DecodeChunkHeader(common, r)
	if err != nil {
		return nil, err
	}
	if header.Asymmetric == nil {
		return nil, protoerr.NewFramingError("chunk.process_opn", protoerr.BadDecodingError,
			fmt.Errorf("missing asymmetric security header"))
	}
	asym := *header.Asymmetric

	if err := validateAsymmetricHeader(asym, sc, pkiProvider); err != nil {
		return nil, err
	}

	payload := drain(r)
	if sc != nil && sc.Mode != crypto.ModeNone {
		decrypted, err := sc.Policy.AsymmetricDecrypt(payload, sc.LocalPrivateKey)
		if err != nil {
			return nil, err
		}
		payload = decrypted
		if err := verifyAsymmetricSignature(payload, sc); err != nil {
			return nil, err
		}
		payload, err = stripOpnSignature(payload, sc)
		if err != nil {
			return nil, err
		}
		payload, err = stripPadding(payload, opnHasExtraPadding(sc))
		if err != nil {
			return nil, err
		}
	}

	seqHeader, plainBody, err := DecodeSequenceHeaderPrefix(payload)
	if err != nil {
		return nil, err
	}

	if err := seq.Check(seqHeader.SequenceNumber, true); err != nil {
		return nil, err
	}

	return &IncomingResult{
		Kind:            IncomingOpn,
		SecureChannelID: header.SecureChannelID,
		RequestID:       seqHeader.RequestId,
		SequenceNumber:  seqHeader.SequenceNumber,
		Body:            plainBody,
		AsymHeader:      &asym,
	}, nil
}

func validateAsymmetricHeader(asym AsymmetricSecurityHeader, sc *SecurityContext, pkiProvider pki.Provider) error {
	if len(asym.SecurityPolicyURI) == 0 {
		return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityPolicyRejected,
			fmt.Errorf("empty security policy uri"))
	}
	if sc == nil {
		return nil
	}
	if sc.Policy != nil && asym.SecurityPolicyURI != sc.Policy.PolicyURI() {
		return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityPolicyRejected,
			fmt.Errorf("policy mismatch: got %q want %q", asym.SecurityPolicyURI, sc.Policy.PolicyURI()))
	}
	signed := sc.Mode != crypto.ModeNone
	if signed {
		if len(asym.SenderCertificate) == 0 {
			return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityChecksFailed,
				fmt.Errorf("sender certificate required for mode %s", sc.Mode))
		}
		if pkiProvider != nil {
			if _, err := pkiProvider.ValidateCertificate(asym.SenderCertificate); err != nil {
				return err
			}
		}
	} else if len(asym.SenderCertificate) != 0 {
		return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("unexpected sender certificate under mode None"))
	}
	// Receiver-certificate thumbprint is required whenever the channel will
	// encrypt, or — regardless of mode — on every OPN in a signed mode
	// (§4.1.1); validateAsymmetricHeader is only ever called for OPN.
	encrypting := sc.Mode == crypto.ModeSignAndEncrypt || signed
	if encrypting {
		if len(asym.ReceiverCertificateThumbprint) == 0 {
			return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityChecksFailed,
				fmt.Errorf("receiver certificate thumbprint required"))
		}
		if pkiProvider != nil && len(sc.LocalCertDER) > 0 {
			want := pkiProvider.Thumbprint(sc.LocalCertDER)
			if !bytes.Equal(want, asym.ReceiverCertificateThumbprint) {
				return protoerr.NewSecurityError("chunk.validate_asym_header", protoerr.BadSecurityChecksFailed,
					fmt.Errorf("receiver certificate thumbprint mismatch"))
			}
		}
	}
	return nil
}

// verifyAsymmetricSignature checks the trailing signature of an OPN body
// against the peer's public key without yet removing it (stripOpnSignature
// does that once verification succeeds).
func verifyAsymmetricSignature(plainWithSig []byte, sc *SecurityContext) error {
	sizes, err := sc.Policy.AsymmetricSizesFor(sc.PeerPublicKey)
	if err != nil {
		return err
	}
	if sizes.SignatureSize == 0 {
		return nil
	}
	if len(plainWithSig) < sizes.SignatureSize {
		return protoerr.NewSecurityError("chunk.verify_opn_signature", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("body too short for signature"))
	}
	signed := plainWithSig[:len(plainWithSig)-sizes.SignatureSize]
	sig := plainWithSig[len(plainWithSig)-sizes.SignatureSize:]
	return sc.Policy.AsymmetricVerify(signed, sig, sc.PeerPublicKey)
}

func stripOpnSignature(plainWithSig []byte, sc *SecurityContext) ([]byte, error) {
	sizes, err := sc.Policy.AsymmetricSizesFor(sc.PeerPublicKey)
	if err != nil {
		return nil, err
	}
	if sizes.SignatureSize == 0 {
		return plainWithSig, nil
	}
	return plainWithSig[:len(plainWithSig)-sizes.SignatureSize], nil
}

func opnHasExtraPadding(sc *SecurityContext) bool {
	sizes, err := sc.Policy.AsymmetricSizesFor(sc.PeerPublicKey)
	if err != nil {
		return false
	}
	return hasExtraPaddingSize(sizes.PlainBlockSize)
}

func processSymmetric(common ua.CommonHeader, r *bytes.Reader, sc *SecurityContext, seq *SequenceState, reasm *ReassemblyBuffer, limits Limits, now time.Time) (*IncomingResult, error) {
	header, err := DecodeChunkHeader(common, r)
	if err != nil {
		return nil, err
	}
	if header.Symmetric == nil {
		return nil, protoerr.NewFramingError("chunk.process_symmetric", protoerr.BadDecodingError,
			fmt.Errorf("missing symmetric security header"))
	}
	if sc == nil {
		return nil, protoerr.NewChannelError("chunk.process_symmetric", protoerr.BadSecureChannelClosed,
			fmt.Errorf("no security context for symmetric chunk"))
	}

	token, err := sc.SelectToken(header.Symmetric.TokenID, now)
	if err != nil {
		return nil, err
	}

	payload := drain(r)
	sizes := sc.Policy.SymmetricSizes()

	// Decrypt before verifying: SignAndEncrypt signs the plaintext (sequence
	// header + body + padding) and then encrypts plaintext+mac together, so
	// the mac only becomes recoverable after decryption, not by slicing the
	// ciphertext's tail.
	switch sc.Mode {
	case crypto.ModeSignAndEncrypt:
		decrypted, err := sc.Policy.SymmetricDecrypt(payload, token.Recv)
		if err != nil {
			return nil, err
		}
		if len(decrypted) < sizes.SignatureSize {
			return nil, protoerr.NewSecurityError("chunk.process_symmetric", protoerr.BadSecurityChecksFailed,
				fmt.Errorf("decrypted payload too short for signature"))
		}
		signed := decrypted[:len(decrypted)-sizes.SignatureSize]
		mac := decrypted[len(decrypted)-sizes.SignatureSize:]
		if err := sc.Policy.SymmetricVerify(signed, mac, token.Recv); err != nil {
			return nil, err
		}
		payload, err = stripPadding(signed, hasExtraPaddingSize(sizes.PlainBlockSize))
		if err != nil {
			return nil, err
		}
	case crypto.ModeSign:
		if len(payload) < sizes.SignatureSize {
			return nil, protoerr.NewSecurityError("chunk.process_symmetric", protoerr.BadSecurityChecksFailed,
				fmt.Errorf("body too short for signature"))
		}
		signed := payload[:len(payload)-sizes.SignatureSize]
		mac := payload[len(payload)-sizes.SignatureSize:]
		if err := sc.Policy.SymmetricVerify(signed, mac, token.Recv); err != nil {
			return nil, err
		}
		payload = signed
	}

	seqHeader, body, err := DecodeSequenceHeaderPrefix(payload)
	if err != nil {
		return nil, err
	}

	if err := seq.Check(seqHeader.SequenceNumber, false); err != nil {
		return nil, err
	}

	if common.Type == ua.MessageTypeCLO {
		return &IncomingResult{
			Kind:            IncomingClo,
			SecureChannelID: header.SecureChannelID,
			RequestID:       seqHeader.RequestId,
			SequenceNumber:  seqHeader.SequenceNumber,
			TokenID:         token.TokenID,
			Body:            body,
		}, nil
	}

	switch common.Final {
	case ua.IsFinalIntermediate:
		if err := reasm.Append(body, limits.ReceiveMaxChunkCount); err != nil {
			return nil, err
		}
		return &IncomingResult{Kind: IncomingMsgIntermediate, SecureChannelID: header.SecureChannelID, RequestID: seqHeader.RequestId, TokenID: token.TokenID}, nil
	case ua.IsFinalAbort:
		abortBody, err := ua.DecodeErr(body)
		if err != nil {
			reasm.Reset()
			return nil, err
		}
		reasm.Reset()
		return &IncomingResult{
			Kind:            IncomingMsgAbort,
			SecureChannelID: header.SecureChannelID,
			RequestID:       seqHeader.RequestId,
			TokenID:         token.TokenID,
			AbortStatus:     abortBody.StatusCode,
			AbortReason:     abortBody.Reason,
		}, nil
	default: // IsFinalFinal
		complete, err := reasm.Finish(body, limits.ReceiveMaxMessageSize)
		if err != nil {
			return nil, err
		}
		return &IncomingResult{
			Kind:            IncomingMsgComplete,
			SecureChannelID: header.SecureChannelID,
			RequestID:       seqHeader.RequestId,
			SequenceNumber:  seqHeader.SequenceNumber,
			TokenID:         token.TokenID,
			Body:            complete,
		}, nil
	}
}
