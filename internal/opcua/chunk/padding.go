package chunk

import (
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
)

// extraPaddingThreshold is the plaintext block size above which the
// padding count field can no longer fit in a single byte: 1 padding-size
// byte covers at most 255 bytes of padding, and a cipher with a plaintext
// block size over 256 bytes can produce a padding value that overflows it
// (§4.1.5).
const extraPaddingThreshold = 256

// hasExtraPaddingSize reports whether this policy's plaintext block size
// requires the second ("extra padding size", most-significant byte)
// padding length field.
func hasExtraPaddingSize(plainBlockSize int) bool {
	return plainBlockSize > extraPaddingThreshold
}

// paddingSizeFieldCount is how many bytes of the chunk are spent on the
// padding-length encoding itself: 0 when not encrypting, 1 normally, 2
// when hasExtraPaddingSize.
func paddingSizeFieldCount(toEncrypt bool, plainBlockSize int) int {
	if !toEncrypt {
		return 0
	}
	if hasExtraPaddingSize(plainBlockSize) {
		return 2
	}
	return 1
}

// maxBodySize implements the Part 6 errata formula (§4.1.5):
//
//	maxBodySize = plainBlockSize * floor((chunkSize - headerSize) / cipherBlockSize)
//	              - sequenceHeaderSize - signatureSize - paddingSizeFields
func maxBodySize(chunkSize, headerSize int, toEncrypt bool, cipherBlockSize, plainBlockSize int, signatureSize int) (int, error) {
	if !toEncrypt {
		cipherBlockSize, plainBlockSize = 1, 1
	}
	if cipherBlockSize < plainBlockSize {
		return 0, protoerr.NewFramingError("chunk.max_body_size", protoerr.BadTcpInternalError,
			fmt.Errorf("cipher block size %d smaller than plain block size %d", cipherBlockSize, plainBlockSize))
	}
	if chunkSize <= headerSize {
		return 0, protoerr.NewFramingError("chunk.max_body_size", protoerr.BadTcpInternalError,
			fmt.Errorf("chunk size %d too small for header size %d", chunkSize, headerSize))
	}
	paddingFields := paddingSizeFieldCount(toEncrypt, plainBlockSize)
	blocks := (chunkSize - headerSize) / cipherBlockSize
	result := plainBlockSize*blocks - ua1SequenceHeaderSize - signatureSize - paddingFields
	if result <= 0 {
		return 0, protoerr.NewFramingError("chunk.max_body_size", protoerr.BadTcpInternalError,
			fmt.Errorf("computed non-positive max body size %d for chunk size %d", result, chunkSize))
	}
	return result, nil
}

// ua1SequenceHeaderSize is a local copy of the sequence header length
// (SequenceHeader is always 8 bytes: SequenceNumber + RequestId).
const ua1SequenceHeaderSize = 8

// paddingSize implements SC_Chunks_GetPaddingSize: the number of padding
// bytes required so that (bytesToEncrypt + signatureSize + paddingFields)
// is a multiple of plainBlockSize.
func paddingSize(bytesToEncrypt, plainBlockSize, signatureSize int) (int, error) {
	if plainBlockSize <= 0 {
		return 0, protoerr.NewFramingError("chunk.padding_size", protoerr.BadTcpInternalError,
			fmt.Errorf("invalid plain block size %d", plainBlockSize))
	}
	paddingFields := 1
	if hasExtraPaddingSize(plainBlockSize) {
		paddingFields = 2
	}
	missing := (bytesToEncrypt + signatureSize + paddingFields) % plainBlockSize
	if missing == 0 {
		return 0, nil
	}
	size := plainBlockSize - missing
	if size > 0xFFFF {
		return 0, protoerr.NewFramingError("chunk.padding_size", protoerr.BadTcpInternalError,
			fmt.Errorf("padding size %d exceeds uint16 range", size))
	}
	return size, nil
}

// appendPadding writes the padding-size byte(s) and padding bytes (each
// equal to the low byte of the padding size, per Part 6 §6.7.2) to buf.
// hasExtra must match what the policy's plaintext block size dictates
// (hasExtraPaddingSize), not the particular padding value being encoded.
func appendPadding(buf []byte, size int, hasExtra bool) []byte {
	lsb := byte(size & 0xFF)
	msb := byte((size >> 8) & 0xFF)
	buf = append(buf, lsb)
	for i := 0; i < size; i++ {
		buf = append(buf, lsb)
	}
	if hasExtra {
		buf = append(buf, msb)
	}
	return buf
}

// stripPadding removes and validates the trailing padding of a decrypted
// chunk body. hasExtra indicates whether the symmetric/asymmetric sizes for
// this channel mandate the two-byte form.
func stripPadding(plaintext []byte, hasExtra bool) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, protoerr.NewSecurityError("chunk.strip_padding", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("empty plaintext, no padding byte present"))
	}
	n := len(plaintext)
	lsb := plaintext[n-1]
	size := int(lsb)
	trailerLen := 1
	if hasExtra {
		if n < 2 {
			return nil, protoerr.NewSecurityError("chunk.strip_padding", protoerr.BadSecurityChecksFailed,
				fmt.Errorf("plaintext too short for extra padding byte"))
		}
		// appendPadding writes the extra (most-significant) byte last; the
		// byte before it is a padding byte, equal to the low byte.
		msb := plaintext[n-1]
		lsb = plaintext[n-2]
		size = int(lsb) | int(msb)<<8
		trailerLen = 2
	}
	total := size + trailerLen
	if total > n {
		return nil, protoerr.NewSecurityError("chunk.strip_padding", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("padding size %d exceeds plaintext length %d", total, n))
	}
	return plaintext[:n-total], nil
}

// cryptoSizesForSend bundles the provider-reported sizes the send pipeline
// needs to compute header/body/padding geometry for one outbound chunk.
type cryptoSizesForSend struct {
	toEncrypt       bool
	toSign          bool
	cipherBlockSize int
	plainBlockSize  int
	signatureSize   int
}

func symmetricSendSizes(mode crypto.SecurityMode, sizes crypto.SymmetricSizes) cryptoSizesForSend {
	switch mode {
	case crypto.ModeNone, crypto.ModeInvalid:
		return cryptoSizesForSend{}
	case crypto.ModeSign:
		return cryptoSizesForSend{toSign: true, signatureSize: sizes.SignatureSize}
	default: // SignAndEncrypt
		return cryptoSizesForSend{
			toEncrypt:       true,
			toSign:          true,
			cipherBlockSize: sizes.CipherBlockSize,
			plainBlockSize:  sizes.PlainBlockSize,
			signatureSize:   sizes.SignatureSize,
		}
	}
}
