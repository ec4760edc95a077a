package chunk

import (
	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// BuildErrBody constructs the ERR message body for a failure, redacting the
// reason text when the cause is BadSecurityChecksFailed: Part 6 §7.1 warns
// against leaking which specific security check failed to an unauthenticated
// peer (§4.2.5).
func BuildErrBody(code protoerr.StatusCode, reason string) ua.ErrBody {
	if code == protoerr.BadSecurityChecksFailed {
		reason = ""
	}
	return ua.ErrBody{StatusCode: code, Reason: reason}
}

// EncodeErrChunk produces the complete single-chunk ERR message (common
// header + body); ERR carries no secure-channel or sequence header (§4.1).
func EncodeErrChunk(body ua.ErrBody) []byte {
	encodedBody := ua.EncodeErr(body)
	prefix := EncodeNonSecurePrefix(ua.MessageTypeERR, uint32(ua.CommonHeaderSize+len(encodedBody)))
	return append(prefix, encodedBody...)
}
