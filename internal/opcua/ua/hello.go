package ua

import (
	"bytes"
	"encoding/binary"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// HelloBody is the HEL message body (§6): version, negotiated buffer/message
// limits, and the endpoint URL the client intends to connect to.
type HelloBody struct {
	Version        uint32
	ReceiveBufSize uint32
	SendBufSize    uint32
	MaxMessageSize uint32
	MaxChunkCount  uint32
	EndpointURL    string
}

// AckBody is the ACK response body (§6); identical layout to HelloBody minus
// the endpoint URL.
type AckBody struct {
	Version        uint32
	ReceiveBufSize uint32
	SendBufSize    uint32
	MaxMessageSize uint32
	MaxChunkCount  uint32
}

// ErrBody is the ERR message body (§6, §7): a status code and a short,
// human-readable (and possibly deliberately empty, see §4.2.5) reason.
type ErrBody struct {
	StatusCode protoerr.StatusCode
	Reason     string
}

// ReverseHelloBody is the RHE message body (§6): sent by a server initiating
// a reverse connection to announce itself to the client.
type ReverseHelloBody struct {
	ServerURI   string
	EndpointURL string
}

func putUint32s(buf *bytes.Buffer, vs ...uint32) {
	var tmp [4]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf.Write(tmp[:])
	}
}

// EncodeHello serializes a HelloBody.
func EncodeHello(h HelloBody) ([]byte, error) {
	if len(h.EndpointURL) > MaxURLBytes {
		return nil, protoerr.NewFramingError("hello.encode", protoerr.BadTcpEndpointUrlInvalid,
			fmt.Errorf("endpoint url too long: %d", len(h.EndpointURL)))
	}
	var buf bytes.Buffer
	putUint32s(&buf, h.Version, h.ReceiveBufSize, h.SendBufSize, h.MaxMessageSize, h.MaxChunkCount)
	out := WriteString(buf.Bytes(), h.EndpointURL, false)
	return out, nil
}

// DecodeHello parses a HelloBody from b.
func DecodeHello(b []byte) (HelloBody, error) {
	if len(b) < 20 {
		return HelloBody{}, protoerr.NewFramingError("hello.decode", protoerr.BadDecodingError,
			fmt.Errorf("short body: %d bytes", len(b)))
	}
	h := HelloBody{
		Version:        binary.LittleEndian.Uint32(b[0:4]),
		ReceiveBufSize: binary.LittleEndian.Uint32(b[4:8]),
		SendBufSize:    binary.LittleEndian.Uint32(b[8:12]),
		MaxMessageSize: binary.LittleEndian.Uint32(b[12:16]),
		MaxChunkCount:  binary.LittleEndian.Uint32(b[16:20]),
	}
	url, isNull, err := ReadString(bytes.NewReader(b[20:]), MaxURLBytes)
	if err != nil {
		return HelloBody{}, err
	}
	if !isNull {
		h.EndpointURL = url
	}
	return h, nil
}

// EncodeAck serializes an AckBody.
func EncodeAck(a AckBody) []byte {
	var buf bytes.Buffer
	putUint32s(&buf, a.Version, a.ReceiveBufSize, a.SendBufSize, a.MaxMessageSize, a.MaxChunkCount)
	return buf.Bytes()
}

// DecodeAck parses an AckBody from b.
func DecodeAck(b []byte) (AckBody, error) {
	if len(b) < 20 {
		return AckBody{}, protoerr.NewFramingError("ack.decode", protoerr.BadDecodingError,
			fmt.Errorf("short body: %d bytes", len(b)))
	}
	return AckBody{
		Version:        binary.LittleEndian.Uint32(b[0:4]),
		ReceiveBufSize: binary.LittleEndian.Uint32(b[4:8]),
		SendBufSize:    binary.LittleEndian.Uint32(b[8:12]),
		MaxMessageSize: binary.LittleEndian.Uint32(b[12:16]),
		MaxChunkCount:  binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// EncodeErr serializes an ErrBody, truncating reason to MaxReasonBytes.
func EncodeErr(e ErrBody) []byte {
	reason := e.Reason
	if len(reason) > MaxReasonBytes {
		reason = reason[:MaxReasonBytes]
	}
	var buf bytes.Buffer
	putUint32s(&buf, uint32(e.StatusCode))
	return WriteString(buf.Bytes(), reason, false)
}

// DecodeErr parses an ErrBody from b.
func DecodeErr(b []byte) (ErrBody, error) {
	if len(b) < 4 {
		return ErrBody{}, protoerr.NewFramingError("err.decode", protoerr.BadDecodingError,
			fmt.Errorf("short body: %d bytes", len(b)))
	}
	code := protoerr.StatusCode(binary.LittleEndian.Uint32(b[0:4]))
	reason, isNull, err := ReadString(bytes.NewReader(b[4:]), MaxReasonBytes)
	if err != nil {
		return ErrBody{}, err
	}
	if isNull {
		reason = ""
	}
	return ErrBody{StatusCode: code, Reason: reason}, nil
}

// EncodeReverseHello serializes a ReverseHelloBody.
func EncodeReverseHello(rhe ReverseHelloBody) ([]byte, error) {
	if len(rhe.EndpointURL) > MaxURLBytes {
		return nil, protoerr.NewFramingError("rhe.encode", protoerr.BadTcpEndpointUrlInvalid,
			fmt.Errorf("endpoint url too long: %d", len(rhe.EndpointURL)))
	}
	buf := WriteString(nil, rhe.ServerURI, false)
	buf = WriteString(buf, rhe.EndpointURL, false)
	return buf, nil
}

// DecodeReverseHello parses a ReverseHelloBody from b.
func DecodeReverseHello(b []byte) (ReverseHelloBody, error) {
	r := bytes.NewReader(b)
	uri, _, err := ReadString(r, MaxURLBytes)
	if err != nil {
		return ReverseHelloBody{}, err
	}
	ep, _, err := ReadString(r, MaxURLBytes)
	if err != nil {
		return ReverseHelloBody{}, err
	}
	return ReverseHelloBody{ServerURI: uri, EndpointURL: ep}, nil
}
