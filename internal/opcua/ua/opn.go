package ua

import (
	"bytes"
	"encoding/binary"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// SecurityTokenRequestType distinguishes an OPN issuing a brand new channel
// from one renewing an existing channel's token (§4.2).
type SecurityTokenRequestType uint32

const (
	RequestTypeIssue SecurityTokenRequestType = 0
	RequestTypeRenew SecurityTokenRequestType = 1
)

// MaxNonceBytes bounds client/server nonces; real policy nonce lengths are
// far smaller (crypto.Provider.NonceLength), this just guards decoding.
const MaxNonceBytes = 256

// OpenSecureChannelRequest is the minimal OPN request body the secure
// channel layer itself must parse (§4.2, §4.2.1); full OPC UA extension
// object framing (NodeId/TypeId headers, timestamps, diagnostics) is out of
// scope (service-level semantics), so only the fields the state manager
// consults are modeled.
type OpenSecureChannelRequest struct {
	ClientProtocolVersion uint32
	RequestType           SecurityTokenRequestType
	SecurityMode          uint32
	ClientNonce           []byte
	RequestedLifetime     uint32
}

// ChannelSecurityToken is the (ChannelId, TokenId, lifetime) tuple a server
// issues in an OPN response (§4.2, GLOSSARY).
type ChannelSecurityToken struct {
	ChannelId       uint32
	TokenId         uint32
	RevisedLifetime uint32
}

// OpenSecureChannelResponse is the minimal OPN response body (§4.2.1).
type OpenSecureChannelResponse struct {
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           []byte
}

// EncodeOpenSecureChannelRequest serializes an OpenSecureChannelRequest.
func EncodeOpenSecureChannelRequest(r OpenSecureChannelRequest) []byte {
	var buf bytes.Buffer
	putUint32s(&buf, r.ClientProtocolVersion, uint32(r.RequestType), r.SecurityMode)
	out := WriteByteString(buf.Bytes(), r.ClientNonce)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], r.RequestedLifetime)
	return append(out, tail[:]...)
}

// DecodeOpenSecureChannelRequest parses an OpenSecureChannelRequest from b.
func DecodeOpenSecureChannelRequest(b []byte) (OpenSecureChannelRequest, error) {
	if len(b) < 12 {
		return OpenSecureChannelRequest{}, protoerr.NewFramingError("opn_request.decode", protoerr.BadDecodingError,
			fmt.Errorf("short body: %d bytes", len(b)))
	}
	req := OpenSecureChannelRequest{
		ClientProtocolVersion: binary.LittleEndian.Uint32(b[0:4]),
		RequestType:           SecurityTokenRequestType(binary.LittleEndian.Uint32(b[4:8])),
		SecurityMode:          binary.LittleEndian.Uint32(b[8:12]),
	}
	r := bytes.NewReader(b[12:])
	nonce, err := ReadByteString(r, MaxNonceBytes)
	if err != nil {
		return OpenSecureChannelRequest{}, err
	}
	req.ClientNonce = nonce
	var lifetime [4]byte
	if _, err := r.Read(lifetime[:]); err != nil {
		return OpenSecureChannelRequest{}, protoerr.NewFramingError("opn_request.decode", protoerr.BadDecodingError,
			fmt.Errorf("missing requested lifetime: %w", err))
	}
	req.RequestedLifetime = binary.LittleEndian.Uint32(lifetime[:])
	return req, nil
}

// EncodeOpenSecureChannelResponse serializes an OpenSecureChannelResponse.
func EncodeOpenSecureChannelResponse(r OpenSecureChannelResponse) []byte {
	var buf bytes.Buffer
	putUint32s(&buf, r.ServerProtocolVersion, r.SecurityToken.ChannelId, r.SecurityToken.TokenId, r.SecurityToken.RevisedLifetime)
	return WriteByteString(buf.Bytes(), r.ServerNonce)
}

// DecodeOpenSecureChannelResponse parses an OpenSecureChannelResponse from b.
func DecodeOpenSecureChannelResponse(b []byte) (OpenSecureChannelResponse, error) {
	if len(b) < 16 {
		return OpenSecureChannelResponse{}, protoerr.NewFramingError("opn_response.decode", protoerr.BadDecodingError,
			fmt.Errorf("short body: %d bytes", len(b)))
	}
	resp := OpenSecureChannelResponse{
		ServerProtocolVersion: binary.LittleEndian.Uint32(b[0:4]),
		SecurityToken: ChannelSecurityToken{
			ChannelId:       binary.LittleEndian.Uint32(b[4:8]),
			TokenId:         binary.LittleEndian.Uint32(b[8:12]),
			RevisedLifetime: binary.LittleEndian.Uint32(b[12:16]),
		},
	}
	nonce, err := ReadByteString(bytes.NewReader(b[16:]), MaxNonceBytes)
	if err != nil {
		return OpenSecureChannelResponse{}, err
	}
	resp.ServerNonce = nonce
	return resp, nil
}
