package crypto

import (
	"crypto/rsa"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// noneProvider implements the #None security policy: no signing, no
// encryption, block sizes of 1 so the chunk manager's padding/sizing math
// degenerates to a no-op (§4.1.5).
type noneProvider struct{}

func (noneProvider) PolicyURI() string    { return PolicyNone }
func (noneProvider) NonceLength() int     { return 0 }
func (noneProvider) ThumbprintLength() int { return 20 }

func (noneProvider) AsymmetricSizesFor(*rsa.PublicKey) (AsymmetricSizes, error) {
	return AsymmetricSizes{PlainBlockSize: 1, CipherBlockSize: 1, SignatureSize: 0}, nil
}

func (noneProvider) SymmetricSizes() SymmetricSizes {
	return SymmetricSizes{PlainBlockSize: 1, CipherBlockSize: 1, SignatureSize: 0}
}

func (noneProvider) DeriveClientKeys(_, _ []byte) (KeySet, KeySet, error) {
	return KeySet{}, KeySet{}, nil
}

func (noneProvider) DeriveServerKeys(_, _ []byte) (KeySet, KeySet, error) {
	return KeySet{}, KeySet{}, nil
}

func (noneProvider) AsymmetricEncrypt(plaintext []byte, _ *rsa.PublicKey) ([]byte, error) {
	return plaintext, nil
}

func (noneProvider) AsymmetricDecrypt(ciphertext []byte, _ *rsa.PrivateKey) ([]byte, error) {
	return ciphertext, nil
}

func (noneProvider) AsymmetricSign([]byte, *rsa.PrivateKey) ([]byte, error) { return nil, nil }

func (noneProvider) AsymmetricVerify([]byte, []byte, *rsa.PublicKey) error { return nil }

func (noneProvider) SymmetricEncrypt(plaintext []byte, _ KeySet) ([]byte, error) {
	return plaintext, nil
}

func (noneProvider) SymmetricDecrypt(ciphertext []byte, _ KeySet) ([]byte, error) {
	return ciphertext, nil
}

func (noneProvider) SymmetricSign([]byte, KeySet) ([]byte, error) { return nil, nil }

func (noneProvider) SymmetricVerify(_, mac []byte, _ KeySet) error {
	if len(mac) != 0 {
		return protoerr.NewSecurityError("crypto.none.verify", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("unexpected signature of %d bytes under #None", len(mac)))
	}
	return nil
}
