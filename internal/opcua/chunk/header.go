// Package chunk implements the Chunk Manager (§4.1): chunk framing,
// security-header validation, padding, the send/receive pipelines and
// multi-chunk reassembly.
package chunk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// AsymmetricSecurityHeader precedes an OPN chunk's sequence header (§4.1.1).
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI         string
	SenderCertificate         []byte // nil when the channel mode is None
	ReceiverCertificateThumbprint []byte // nil unless the channel will encrypt
}

// DecodeAsymmetricSecurityHeader parses the header from r.
func DecodeAsymmetricSecurityHeader(r io.Reader) (AsymmetricSecurityHeader, error) {
	uri, isNull, err := ua.ReadString(r, ua.MaxPolicyURIBytes)
	if err != nil {
		return AsymmetricSecurityHeader{}, err
	}
	if isNull {
		return AsymmetricSecurityHeader{}, protoerr.NewFramingError("asym_header.decode", protoerr.BadDecodingError,
			fmt.Errorf("securityPolicyUri must not be null"))
	}
	senderCert, err := ua.ReadByteString(r, maxCertificateBytes)
	if err != nil {
		return AsymmetricSecurityHeader{}, err
	}
	thumbprint, err := ua.ReadByteString(r, maxThumbprintBytes)
	if err != nil {
		return AsymmetricSecurityHeader{}, err
	}
	return AsymmetricSecurityHeader{
		SecurityPolicyURI:             uri,
		SenderCertificate:             senderCert,
		ReceiverCertificateThumbprint: thumbprint,
	}, nil
}

// Encode serializes the header.
func (h AsymmetricSecurityHeader) Encode() []byte {
	buf := ua.WriteString(nil, h.SecurityPolicyURI, false)
	buf = ua.WriteByteString(buf, h.SenderCertificate)
	buf = ua.WriteByteString(buf, h.ReceiverCertificateThumbprint)
	return buf
}

// maxCertificateBytes / maxThumbprintBytes bound the asymmetric header's
// ByteString fields; certificates are small (a handful of KB), so a
// generous bound guards against a hostile MessageSize claim.
const (
	maxCertificateBytes = 64 * 1024
	maxThumbprintBytes  = 64
)

// SymmetricSecurityHeader precedes a CLO or MSG chunk's sequence header
// (§4.1.2): a single 4-byte TokenId.
type SymmetricSecurityHeader struct {
	TokenID uint32
}

const SymmetricSecurityHeaderSize = 4

func DecodeSymmetricSecurityHeader(b []byte) (SymmetricSecurityHeader, error) {
	if len(b) < SymmetricSecurityHeaderSize {
		return SymmetricSecurityHeader{}, protoerr.NewFramingError("sym_header.decode", protoerr.BadDecodingError,
			fmt.Errorf("short buffer: %d bytes", len(b)))
	}
	return SymmetricSecurityHeader{TokenID: binary.LittleEndian.Uint32(b[0:4])}, nil
}

func (h SymmetricSecurityHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.TokenID)
}

// ChunkHeader is everything that precedes a chunk's encrypted region: the
// common header and the SecureChannelId + security header (present for
// OPN/CLO/MSG), plus the "header bytes consumed" bookkeeping the reader
// needs. The sequence header travels inside the signed/encrypted payload
// (§4.1.5 — encryption and signing start at the sequence number position,
// not after it) and is decoded separately once that payload is in hand.
type ChunkHeader struct {
	Common          ua.CommonHeader
	SecureChannelID uint32
	Asymmetric      *AsymmetricSecurityHeader
	Symmetric       *SymmetricSecurityHeader
	headerBytes     int
}

// HeaderBytes reports how many bytes of the chunk this header consumed.
func (h ChunkHeader) HeaderBytes() int { return h.headerBytes }

// DecodeChunkHeader parses everything up to (not including) the chunk's
// signed/encrypted payload: common header, SecureChannelId and the
// asymmetric/symmetric security header. common is the already-decoded
// common header; the SecureChannelId and security header are read from r.
func DecodeChunkHeader(common ua.CommonHeader, r io.Reader) (*ChunkHeader, error) {
	h := &ChunkHeader{Common: common, headerBytes: ua.CommonHeaderSize}

	if !common.Type.HasSecureChannelHeader() {
		return h, nil
	}

	var scID [4]byte
	if _, err := io.ReadFull(r, scID[:]); err != nil {
		return nil, protoerr.NewFramingError("chunk_header.secure_channel_id", protoerr.BadDecodingError, err)
	}
	h.headerBytes += 4
	h.SecureChannelID = binary.LittleEndian.Uint32(scID[:])

	if common.Type == ua.MessageTypeOPN {
		asym, err := DecodeAsymmetricSecurityHeader(r)
		if err != nil {
			return nil, err
		}
		h.Asymmetric = &asym
		h.headerBytes += asymmetricHeaderWireSize(asym)
	} else {
		var symBuf [SymmetricSecurityHeaderSize]byte
		if _, err := io.ReadFull(r, symBuf[:]); err != nil {
			return nil, protoerr.NewFramingError("chunk_header.symmetric", protoerr.BadDecodingError, err)
		}
		sym, err := DecodeSymmetricSecurityHeader(symBuf[:])
		if err != nil {
			return nil, err
		}
		h.Symmetric = &sym
		h.headerBytes += SymmetricSecurityHeaderSize
	}

	return h, nil
}

// DecodeSequenceHeaderPrefix splits the sequence header off the front of a
// decrypted (or, under mode None, already-plain) payload.
func DecodeSequenceHeaderPrefix(payload []byte) (ua.SequenceHeader, []byte, error) {
	if len(payload) < ua.SequenceHeaderSize {
		return ua.SequenceHeader{}, nil, protoerr.NewFramingError("chunk_header.sequence", protoerr.BadDecodingError,
			fmt.Errorf("payload too short for sequence header: %d bytes", len(payload)))
	}
	seq, err := ua.DecodeSequenceHeader(payload[:ua.SequenceHeaderSize])
	if err != nil {
		return ua.SequenceHeader{}, nil, err
	}
	return seq, payload[ua.SequenceHeaderSize:], nil
}

func asymmetricHeaderWireSize(h AsymmetricSecurityHeader) int {
	return len(h.Encode())
}

// EncodeNonSecurePrefix encodes the common header for HEL/ACK/ERR/RHE
// chunks, which carry no secure-channel header (§4.1).
func EncodeNonSecurePrefix(mt ua.MessageType, messageSize uint32) []byte {
	buf := make([]byte, ua.CommonHeaderSize)
	ua.CommonHeader{Type: mt, Final: ua.IsFinalFinal, MessageSize: messageSize}.Encode(buf)
	return buf
}

// EncodeAsymmetricPrefix encodes common header + SecureChannelId + asym
// security header for an outbound OPN chunk. The sequence header is not
// part of this prefix: it travels inside the signed/encrypted payload that
// follows (§4.1.5), so the caller prepends it to plaintext before signing
// or encrypting.
func EncodeAsymmetricPrefix(secureChannelID uint32, asym AsymmetricSecurityHeader, final ua.IsFinal, messageSize uint32) []byte {
	var buf bytes.Buffer
	common := make([]byte, ua.CommonHeaderSize)
	ua.CommonHeader{Type: ua.MessageTypeOPN, Final: final, MessageSize: messageSize}.Encode(common)
	buf.Write(common)

	var scID [4]byte
	binary.LittleEndian.PutUint32(scID[:], secureChannelID)
	buf.Write(scID[:])

	buf.Write(asym.Encode())
	return buf.Bytes()
}

// EncodeSymmetricPrefix encodes common header + SecureChannelId + symmetric
// security header for an outbound CLO/MSG chunk. As with
// EncodeAsymmetricPrefix, the sequence header is not included here; it is
// part of the signed/encrypted payload.
func EncodeSymmetricPrefix(mt ua.MessageType, secureChannelID uint32, sym SymmetricSecurityHeader, final ua.IsFinal, messageSize uint32) []byte {
	var buf bytes.Buffer
	common := make([]byte, ua.CommonHeaderSize)
	ua.CommonHeader{Type: mt, Final: final, MessageSize: messageSize}.Encode(common)
	buf.Write(common)

	var scID [4]byte
	binary.LittleEndian.PutUint32(scID[:], secureChannelID)
	buf.Write(scID[:])

	var symBuf [SymmetricSecurityHeaderSize]byte
	sym.Encode(symBuf[:])
	buf.Write(symBuf[:])
	return buf.Bytes()
}
