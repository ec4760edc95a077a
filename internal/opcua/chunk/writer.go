package chunk

import (
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// EncodeHello / EncodeAck / EncodeReverseHello / EncodeErr build the
// single-chunk, unsecured messages directly; they need no padding or
// signing (§4.1.5 step 1).

func EncodeHelloChunk(body ua.HelloBody) ([]byte, error) {
	encoded, err := ua.EncodeHello(body)
	if err != nil {
		return nil, err
	}
	prefix := EncodeNonSecurePrefix(ua.MessageTypeHEL, uint32(ua.CommonHeaderSize+len(encoded)))
	return append(prefix, encoded...), nil
}

func EncodeAckChunk(body ua.AckBody) []byte {
	encoded := ua.EncodeAck(body)
	prefix := EncodeNonSecurePrefix(ua.MessageTypeACK, uint32(ua.CommonHeaderSize+len(encoded)))
	return append(prefix, encoded...)
}

func EncodeReverseHelloChunk(body ua.ReverseHelloBody) ([]byte, error) {
	encoded, err := ua.EncodeReverseHello(body)
	if err != nil {
		return nil, err
	}
	prefix := EncodeNonSecurePrefix(ua.MessageTypeRHE, uint32(ua.CommonHeaderSize+len(encoded)))
	return append(prefix, encoded...), nil
}

// asymNonEncryptedHeaderSize is everything before the signed/encrypted
// payload for an OPN chunk: common header (8) + SecureChannelId (4) + asym
// header. The sequence header lives inside that payload, not out here.
func asymNonEncryptedHeaderSize(asym AsymmetricSecurityHeader) int {
	return ua.CommonHeaderSize + 4 + len(asym.Encode())
}

// EncodeOpnChunk builds the single OPN chunk (always single-chunk, §4.1.5
// step 3): plain body is padded, optionally signed and encrypted with the
// peer's public key.
func EncodeOpnChunk(secureChannelID uint32, asym AsymmetricSecurityHeader, seq ua.SequenceHeader, body []byte, sc *SecurityContext, chunkSize int) ([]byte, error) {
	headerSize := asymNonEncryptedHeaderSize(asym)

	toEncrypt := sc != nil && sc.Mode != crypto.ModeNone

	var sizes crypto.AsymmetricSizes
	if toEncrypt {
		s, err := sc.Policy.AsymmetricSizesFor(sc.PeerPublicKey)
		if err != nil {
			return nil, err
		}
		sizes = s
	}

	maxBody, err := maxBodySize(chunkSize, headerSize, toEncrypt, sizes.CipherBlockSize, sizes.PlainBlockSize, sizes.SignatureSize)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBody {
		return nil, protoerr.NewResourceError("chunk.encode_opn", protoerr.BadRequestTooLarge,
			fmt.Errorf("opn body %d exceeds single-chunk max %d", len(body), maxBody))
	}

	var seqBuf [ua.SequenceHeaderSize]byte
	seq.Encode(seqBuf[:])
	plaintext := append(append([]byte{}, seqBuf[:]...), body...)

	if toEncrypt {
		padSize, err := paddingSize(len(plaintext), sizes.PlainBlockSize, sizes.SignatureSize)
		if err != nil {
			return nil, err
		}
		plaintext = appendPadding(plaintext, padSize, hasExtraPaddingSize(sizes.PlainBlockSize))

		sig, err := sc.Policy.AsymmetricSign(plaintext, sc.LocalPrivateKey)
		if err != nil {
			return nil, err
		}
		plaintext = append(plaintext, sig...)

		cipher, err := sc.Policy.AsymmetricEncrypt(plaintext, sc.PeerPublicKey)
		if err != nil {
			return nil, err
		}
		plaintext = cipher
	}

	prefix := EncodeAsymmetricPrefix(secureChannelID, asym, ua.IsFinalFinal, uint32(headerSize+len(plaintext)))
	return append(prefix, plaintext...), nil
}

// symNonEncryptedHeaderSize is common header + SecureChannelId + TokenId.
const symNonEncryptedHeaderSize = ua.CommonHeaderSize + 4 + SymmetricSecurityHeaderSize

// EncodeCloChunk builds the single CLO chunk, symmetrically secured like
// MSG but never split (§4.1.5).
func EncodeCloChunk(secureChannelID uint32, tokenID uint32, seq ua.SequenceHeader, body []byte, sc *SecurityContext) ([]byte, error) {
	chunks, err := encodeSymmetricChunks(ua.MessageTypeCLO, secureChannelID, tokenID, seq, body, sc, symNonEncryptedHeaderSize+len(body)+256)
	if err != nil {
		return nil, err
	}
	if len(chunks) != 1 {
		return nil, protoerr.NewResourceError("chunk.encode_clo", protoerr.BadRequestTooLarge,
			fmt.Errorf("clo body does not fit in a single chunk"))
	}
	return chunks[0], nil
}

// EncodeMsgChunks splits body into ceil(len(body)/maxBody) chunks, each
// carrying IsFinal='C' except the last which carries 'F' (§4.1.5 step 4).
func EncodeMsgChunks(secureChannelID uint32, tokenID uint32, firstSeq ua.SequenceHeader, body []byte, sc *SecurityContext, chunkSize int) ([][]byte, error) {
	return encodeSymmetricChunks(ua.MessageTypeMSG, secureChannelID, tokenID, firstSeq, body, sc, chunkSize)
}

func encodeSymmetricChunks(mt ua.MessageType, secureChannelID uint32, tokenID uint32, firstSeq ua.SequenceHeader, body []byte, sc *SecurityContext, chunkSize int) ([][]byte, error) {
	toEncrypt := sc != nil && sc.Mode == crypto.ModeSignAndEncrypt
	toSign := sc != nil && sc.Mode != crypto.ModeNone

	var sizes crypto.SymmetricSizes
	var signatureSize int
	if sc != nil {
		sizes = sc.Policy.SymmetricSizes()
		if toSign {
			signatureSize = sizes.SignatureSize
		}
	}

	maxBody, err := maxBodySize(chunkSize, symNonEncryptedHeaderSize, toEncrypt, sizes.CipherBlockSize, sizes.PlainBlockSize, signatureSize)
	if err != nil {
		return nil, err
	}

	var keys crypto.KeySet
	if sc != nil && sc.Current != nil {
		keys = sc.Current.Send
	}

	n := 1
	if len(body) > 0 {
		n = (len(body) + maxBody - 1) / maxBody
	}
	chunks := make([][]byte, 0, n)
	seq := firstSeq
	for i := 0; i < n; i++ {
		start := i * maxBody
		end := start + maxBody
		if end > len(body) {
			end = len(body)
		}
		part := body[start:end]
		final := ua.IsFinalIntermediate
		if i == n-1 {
			final = ua.IsFinalFinal
		}

		var seqBuf [ua.SequenceHeaderSize]byte
		seq.Encode(seqBuf[:])
		plaintext := append(append([]byte{}, seqBuf[:]...), part...)

		if toEncrypt {
			padSize, err := paddingSize(len(plaintext), sizes.PlainBlockSize, sizes.SignatureSize)
			if err != nil {
				return nil, err
			}
			plaintext = appendPadding(plaintext, padSize, hasExtraPaddingSize(sizes.PlainBlockSize))
		}
		if toSign {
			mac, err := sc.Policy.SymmetricSign(plaintext, keys)
			if err != nil {
				return nil, err
			}
			plaintext = append(plaintext, mac...)
		}
		if toEncrypt {
			cipher, err := sc.Policy.SymmetricEncrypt(plaintext, keys)
			if err != nil {
				return nil, err
			}
			plaintext = cipher
		}

		sym := SymmetricSecurityHeader{TokenID: tokenID}
		prefix := EncodeSymmetricPrefix(mt, secureChannelID, sym, final, uint32(symNonEncryptedHeaderSize+len(plaintext)))
		chunks = append(chunks, append(prefix, plaintext...))
		seq.SequenceNumber++
	}
	return chunks, nil
}

// EncodeAbortChunk builds a single 'A' chunk carrying (status, reason) in
// place of a body, used to abort an in-flight multi-chunk MSG (§4.1.4).
func EncodeAbortChunk(secureChannelID uint32, tokenID uint32, seq ua.SequenceHeader, status protoerr.StatusCode, reason string, sc *SecurityContext) ([]byte, error) {
	body := ua.EncodeErr(ua.ErrBody{StatusCode: status, Reason: reason})
	chunks, err := encodeSymmetricChunks(ua.MessageTypeMSG, secureChannelID, tokenID, seq, body, sc, symNonEncryptedHeaderSize+len(body)+256)
	if err != nil {
		return nil, err
	}
	if len(chunks) != 1 {
		return nil, protoerr.NewResourceError("chunk.encode_abort", protoerr.BadTcpInternalError,
			fmt.Errorf("abort body unexpectedly split across chunks"))
	}
	out := chunks[0]
	out[3] = byte(ua.IsFinalAbort)
	return out, nil
}
