// Package ua provides the OPC UA TCP binary wire primitives shared by the
// chunk manager, the secure-connection state manager and the secure-listener
// state manager: the common chunk header, message-type markers, and the
// String/ByteString encodings of OPC UA Part 6.
package ua

import (
	"encoding/binary"
	"fmt"
	"io"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// MessageType identifies the 3-byte ASCII marker at the start of every chunk.
type MessageType [3]byte

// Recognized message types (§4.1, §6).
var (
	MessageTypeHEL = MessageType{'H', 'E', 'L'}
	MessageTypeACK = MessageType{'A', 'C', 'K'}
	MessageTypeERR = MessageType{'E', 'R', 'R'}
	MessageTypeRHE = MessageType{'R', 'H', 'E'}
	MessageTypeOPN = MessageType{'O', 'P', 'N'}
	MessageTypeCLO = MessageType{'C', 'L', 'O'}
	MessageTypeMSG = MessageType{'M', 'S', 'G'}
)

func (m MessageType) String() string { return string(m[:]) }

// IsKnown reports whether m is one of the seven recognized message types.
func (m MessageType) IsKnown() bool {
	switch m {
	case MessageTypeHEL, MessageTypeACK, MessageTypeERR, MessageTypeRHE, MessageTypeOPN, MessageTypeCLO, MessageTypeMSG:
		return true
	}
	return false
}

// HasSecureChannelHeader reports whether this message type carries a
// SecureChannelId + security header after the common header (§4.1).
func (m MessageType) HasSecureChannelHeader() bool {
	return m == MessageTypeOPN || m == MessageTypeCLO || m == MessageTypeMSG
}

// IsFinal is the 1-byte chunk finality marker.
type IsFinal byte

const (
	IsFinalFinal        IsFinal = 'F' // single chunk, or last chunk of a message
	IsFinalIntermediate IsFinal = 'C' // more chunks follow
	IsFinalAbort        IsFinal = 'A' // message aborted, body carries (status, reason)
)

func (f IsFinal) Valid() bool {
	return f == IsFinalFinal || f == IsFinalIntermediate || f == IsFinalAbort
}

// CommonHeaderSize is the fixed 8-byte header every chunk starts with.
const CommonHeaderSize = 8

// CommonHeader is MessageType[3] | IsFinal[1] | MessageSize:u32 (§4.1, §6).
type CommonHeader struct {
	Type        MessageType
	Final       IsFinal
	MessageSize uint32
}

// DecodeCommonHeader parses the fixed 8-byte common header from b.
func DecodeCommonHeader(b []byte) (CommonHeader, error) {
	if len(b) < CommonHeaderSize {
		return CommonHeader{}, protoerr.NewFramingError("common_header.decode", protoerr.BadDecodingError,
			fmt.Errorf("short buffer: %d bytes", len(b)))
	}
	h := CommonHeader{
		Type:        MessageType{b[0], b[1], b[2]},
		Final:       IsFinal(b[3]),
		MessageSize: binary.LittleEndian.Uint32(b[4:8]),
	}
	return h, nil
}

// Encode writes the 8-byte common header into dst (len(dst) >= 8).
func (h CommonHeader) Encode(dst []byte) {
	dst[0], dst[1], dst[2] = h.Type[0], h.Type[1], h.Type[2]
	dst[3] = byte(h.Final)
	binary.LittleEndian.PutUint32(dst[4:8], h.MessageSize)
}

// nullLength is the Int32 length value OPC UA uses to encode a null
// String/ByteString (§6).
const nullLength int32 = -1

// MaxURLBytes / MaxReasonBytes bound endpoint URL and ERR reason strings (§6).
const (
	MaxURLBytes    = 4096
	MaxReasonBytes = 4096
)

// MaxPolicyURIBytes bounds the asymmetric header's securityPolicyUri (§4.1).
const MaxPolicyURIBytes = 255

// WriteString appends an OPC UA String (Int32 length + UTF-8 bytes, -1 = null).
func WriteString(buf []byte, s string, isNull bool) []byte {
	var tmp [4]byte
	if isNull {
		n := nullLength
		binary.LittleEndian.PutUint32(tmp[:], uint32(n))
		return append(buf, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(int32(len(s))))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

// ReadString reads an OPC UA String from r, bounded by maxLen bytes.
// Returns ("", true, nil) for a null string (length == -1).
func ReadString(r io.Reader, maxLen int) (string, bool, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", false, protoerr.NewFramingError("string.read_length", protoerr.BadDecodingError, err)
	}
	n := int32(binary.LittleEndian.Uint32(lb[:]))
	if n < 0 {
		return "", true, nil
	}
	if int(n) > maxLen {
		return "", false, protoerr.NewFramingError("string.read", protoerr.BadTcpEndpointUrlInvalid,
			fmt.Errorf("length %d exceeds bound %d", n, maxLen))
	}
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return "", false, protoerr.NewFramingError("string.read_body", protoerr.BadDecodingError, err)
		}
	}
	return string(data), false, nil
}

// WriteByteString appends an OPC UA ByteString (Int32 length + raw bytes).
// A nil slice is encoded as null (length -1).
func WriteByteString(buf []byte, b []byte) []byte {
	var tmp [4]byte
	if b == nil {
		n := nullLength
		binary.LittleEndian.PutUint32(tmp[:], uint32(n))
		return append(buf, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(int32(len(b))))
	buf = append(buf, tmp[:]...)
	return append(buf, b...)
}

// ReadByteString reads an OPC UA ByteString from r. Returns a nil slice for
// a null ByteString (length == -1).
func ReadByteString(r io.Reader, maxLen int) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, protoerr.NewFramingError("bytestring.read_length", protoerr.BadDecodingError, err)
	}
	n := int32(binary.LittleEndian.Uint32(lb[:]))
	if n < 0 {
		return nil, nil
	}
	if int(n) > maxLen {
		return nil, protoerr.NewFramingError("bytestring.read", protoerr.BadDecodingError,
			fmt.Errorf("length %d exceeds bound %d", n, maxLen))
	}
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, protoerr.NewFramingError("bytestring.read_body", protoerr.BadDecodingError, err)
		}
	}
	return data, nil
}

// SequenceHeaderSize is the 8-byte SequenceNumber:u32 | RequestId:u32 header.
const SequenceHeaderSize = 8

// SequenceHeader is shared by OPN, CLO and MSG chunks (§4.1).
type SequenceHeader struct {
	SequenceNumber uint32
	RequestId      uint32
}

func (s SequenceHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], s.SequenceNumber)
	binary.LittleEndian.PutUint32(dst[4:8], s.RequestId)
}

func DecodeSequenceHeader(b []byte) (SequenceHeader, error) {
	if len(b) < SequenceHeaderSize {
		return SequenceHeader{}, protoerr.NewFramingError("sequence_header.decode", protoerr.BadDecodingError,
			fmt.Errorf("short buffer: %d bytes", len(b)))
	}
	return SequenceHeader{
		SequenceNumber: binary.LittleEndian.Uint32(b[0:4]),
		RequestId:      binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// SequenceNumberWrapThreshold implements the Part 6 §6.7.2 wraparound rule:
// the sequence number space is considered to have wrapped when the previous
// value sits within this many units of UINT32_MAX and the new value is
// smaller than the same threshold.
const SequenceNumberWrapThreshold = 1024

// SequenceNumberInOrder applies the §4.1.3 continuity rule. first indicates
// this is the very first sequence number observed on the channel/token (e.g.
// an OPN), which is accepted unconditionally and resets tracking.
func SequenceNumberInOrder(prev, got uint32, first bool) bool {
	if first {
		return true
	}
	if got == prev+1 {
		return true
	}
	if prev > ^uint32(0)-SequenceNumberWrapThreshold && got < SequenceNumberWrapThreshold {
		return true
	}
	return false
}

// MinNegotiatedBufferSize is the minimum accepted rx/tx buffer size (§6, §8).
const MinNegotiatedBufferSize = 8192
