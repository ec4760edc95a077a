// Package crypto implements the security-policy contract the chunk manager
// relies on (§4.1.6): block/signature sizes, key derivation and the actual
// encrypt/decrypt/sign/verify operations, keyed off a policy URI.
package crypto

import (
	"crypto/rsa"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// SecurityMode mirrors the OPC UA MessageSecurityMode enumeration (§4.2).
type SecurityMode int

const (
	ModeInvalid SecurityMode = iota
	ModeNone
	ModeSign
	ModeSignAndEncrypt
)

func (m SecurityMode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeSign:
		return "Sign"
	case ModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// PolicyNone is the well-known URI for the no-security policy.
const PolicyNone = "http://opcfoundation.org/UA/SecurityPolicy#None"

// PolicyBasic256Sha256 is the well-known URI for Basic256Sha256 (§4.1.6).
const PolicyBasic256Sha256 = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"

// KeySet holds one direction's derived symmetric key material (§4.1.6).
type KeySet struct {
	SignKey []byte
	EncKey  []byte
	InitVec []byte
}

// AsymmetricSizes reports the per-message block/signature sizes that depend
// on the remote public key's modulus (§4.1.6).
type AsymmetricSizes struct {
	PlainBlockSize  int
	CipherBlockSize int
	SignatureSize   int
}

// SymmetricSizes reports the fixed block/signature/key sizes for the
// negotiated symmetric algorithm (§4.1.6).
type SymmetricSizes struct {
	PlainBlockSize  int
	CipherBlockSize int
	SignatureSize   int
	SignKeyLength   int
	EncKeyLength    int
	InitVecLength   int
}

// Provider implements one SecurityPolicy's cryptographic operations. A
// single Provider instance is shared by every SecureConnection using that
// policy; all methods must be safe for concurrent use.
type Provider interface {
	// PolicyURI returns the well-known policy URI this provider implements.
	PolicyURI() string

	// NonceLength is the length in bytes of the channel nonce this policy
	// requires the OPN request/response to exchange (0 for #None).
	NonceLength() int

	// ThumbprintLength is the length in bytes of a certificate thumbprint
	// (always 20 for the SHA-1 thumbprint OPC UA Part 6 mandates).
	ThumbprintLength() int

	// AsymmetricSizesFor returns the block/signature sizes for messages
	// encrypted/signed against the given remote RSA public key.
	AsymmetricSizesFor(remote *rsa.PublicKey) (AsymmetricSizes, error)

	// SymmetricSizes returns the fixed symmetric block/signature/key sizes.
	SymmetricSizes() SymmetricSizes

	// DeriveClientKeys derives the key set the client uses to sign/encrypt
	// outbound and verify/decrypt inbound traffic, from the two nonces
	// exchanged during OPN (§4.1.6). sendKeys is what the client signs and
	// encrypts with; recvKeys is what it verifies and decrypts with.
	DeriveClientKeys(clientNonce, serverNonce []byte) (sendKeys, recvKeys KeySet, err error)

	// DeriveServerKeys is the server-side mirror of DeriveClientKeys.
	DeriveServerKeys(clientNonce, serverNonce []byte) (sendKeys, recvKeys KeySet, err error)

	// AsymmetricEncrypt encrypts plaintext with the peer's public key.
	AsymmetricEncrypt(plaintext []byte, peerPub *rsa.PublicKey) ([]byte, error)
	// AsymmetricDecrypt decrypts ciphertext with the local private key.
	AsymmetricDecrypt(ciphertext []byte, localPriv *rsa.PrivateKey) ([]byte, error)
	// AsymmetricSign signs data with the local private key.
	AsymmetricSign(data []byte, localPriv *rsa.PrivateKey) ([]byte, error)
	// AsymmetricVerify verifies a signature against the peer's public key.
	AsymmetricVerify(data, signature []byte, peerPub *rsa.PublicKey) error

	// SymmetricEncrypt encrypts plaintext using keys.EncKey/keys.InitVec.
	SymmetricEncrypt(plaintext []byte, keys KeySet) ([]byte, error)
	// SymmetricDecrypt decrypts ciphertext using keys.EncKey/keys.InitVec.
	SymmetricDecrypt(ciphertext []byte, keys KeySet) ([]byte, error)
	// SymmetricSign computes a MAC over data using keys.SignKey.
	SymmetricSign(data []byte, keys KeySet) ([]byte, error)
	// SymmetricVerify checks a MAC over data using keys.SignKey.
	SymmetricVerify(data, mac []byte, keys KeySet) error
}

// ForPolicy resolves the Provider implementation for a policy URI.
func ForPolicy(uri string) (Provider, error) {
	switch uri {
	case PolicyNone, "":
		return noneProvider{}, nil
	case PolicyBasic256Sha256:
		return basic256Sha256Provider{}, nil
	default:
		return nil, protoerr.NewSecurityError("crypto.for_policy", protoerr.BadSecurityPolicyRejected,
			fmt.Errorf("unsupported security policy %q", uri))
	}
}
