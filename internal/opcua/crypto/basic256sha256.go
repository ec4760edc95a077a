package crypto

import (
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// basic256Sha256Provider implements SecurityPolicy#Basic256Sha256 (§4.1.6):
// RSA-OAEP-SHA1 asymmetric encryption, RSA-PKCS1v15-SHA256 signatures,
// AES-256-CBC symmetric encryption, HMAC-SHA256 symmetric signatures, and
// the Part 6 P_SHA256 key-derivation function.
type basic256Sha256Provider struct{}

const (
	b256AesKeyLength    = 32
	b256AesBlockSize    = aes.BlockSize
	b256HmacKeyLength   = 32
	b256NonceLength     = 32
	b256ThumbprintBytes = 20
)

func (basic256Sha256Provider) PolicyURI() string     { return PolicyBasic256Sha256 }
func (basic256Sha256Provider) NonceLength() int       { return b256NonceLength }
func (basic256Sha256Provider) ThumbprintLength() int { return b256ThumbprintBytes }

func (basic256Sha256Provider) AsymmetricSizesFor(remote *rsa.PublicKey) (AsymmetricSizes, error) {
	if remote == nil {
		return AsymmetricSizes{}, protoerr.NewSecurityError("crypto.basic256sha256.sizes", protoerr.BadCertificateInvalid,
			fmt.Errorf("nil remote public key"))
	}
	keyBytes := remote.Size()
	oaepOverhead := 2*sha1.Size + 2
	return AsymmetricSizes{
		PlainBlockSize:  keyBytes - oaepOverhead,
		CipherBlockSize: keyBytes,
		SignatureSize:   keyBytes,
	}, nil
}

func (basic256Sha256Provider) SymmetricSizes() SymmetricSizes {
	return SymmetricSizes{
		PlainBlockSize:  b256AesBlockSize,
		CipherBlockSize: b256AesBlockSize,
		SignatureSize:   sha256.Size,
		SignKeyLength:   b256HmacKeyLength,
		EncKeyLength:    b256AesKeyLength,
		InitVecLength:   b256AesBlockSize,
	}
}

// pSha256 implements the Part 6 §6.2.4 P_SHA256 pseudo-random function:
// repeated HMAC-SHA256 expansion of secret/seed to length bytes.
func pSha256(secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length+sha256.Size)
	a := hmacSum(secret, seed)
	for len(out) < length {
		out = append(out, hmacSum(secret, append(append([]byte{}, a...), seed...))...)
		a = hmacSum(secret, a)
	}
	return out[:length]
}

func hmacSum(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// deriveKeySet slices a P_SHA256 expansion of (secret, seed) into the
// sign/encrypt/iv triple a direction requires.
func deriveKeySet(secret, seed []byte) KeySet {
	sizes := basic256Sha256Provider{}.SymmetricSizes()
	total := sizes.SignKeyLength + sizes.EncKeyLength + sizes.InitVecLength
	expanded := pSha256(secret, seed, total)
	return KeySet{
		SignKey: expanded[:sizes.SignKeyLength],
		EncKey:  expanded[sizes.SignKeyLength : sizes.SignKeyLength+sizes.EncKeyLength],
		InitVec: expanded[sizes.SignKeyLength+sizes.EncKeyLength:],
	}
}

// DeriveClientKeys: the client signs/encrypts with keys derived from
// (serverNonce as secret, clientNonce as seed) and verifies/decrypts with
// keys derived from (clientNonce as secret, serverNonce as seed) — the
// mirror of the server's derivation (§4.1.6).
func (basic256Sha256Provider) DeriveClientKeys(clientNonce, serverNonce []byte) (KeySet, KeySet, error) {
	if len(clientNonce) == 0 || len(serverNonce) == 0 {
		return KeySet{}, KeySet{}, protoerr.NewSecurityError("crypto.basic256sha256.derive", protoerr.BadNonceInvalid,
			fmt.Errorf("empty nonce"))
	}
	send := deriveKeySet(serverNonce, clientNonce)
	recv := deriveKeySet(clientNonce, serverNonce)
	return send, recv, nil
}

func (basic256Sha256Provider) DeriveServerKeys(clientNonce, serverNonce []byte) (KeySet, KeySet, error) {
	if len(clientNonce) == 0 || len(serverNonce) == 0 {
		return KeySet{}, KeySet{}, protoerr.NewSecurityError("crypto.basic256sha256.derive", protoerr.BadNonceInvalid,
			fmt.Errorf("empty nonce"))
	}
	send := deriveKeySet(clientNonce, serverNonce)
	recv := deriveKeySet(serverNonce, clientNonce)
	return send, recv, nil
}

func (basic256Sha256Provider) AsymmetricEncrypt(plaintext []byte, peerPub *rsa.PublicKey) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, peerPub, plaintext, nil)
	if err != nil {
		return nil, protoerr.NewSecurityError("crypto.basic256sha256.encrypt", protoerr.BadSecurityChecksFailed, err)
	}
	return ct, nil
}

func (basic256Sha256Provider) AsymmetricDecrypt(ciphertext []byte, localPriv *rsa.PrivateKey) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, localPriv, ciphertext, nil)
	if err != nil {
		return nil, protoerr.NewSecurityError("crypto.basic256sha256.decrypt", protoerr.BadSecurityChecksFailed, err)
	}
	return pt, nil
}

func (basic256Sha256Provider) AsymmetricSign(data []byte, localPriv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, localPriv, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, protoerr.NewSecurityError("crypto.basic256sha256.sign", protoerr.BadSecurityChecksFailed, err)
	}
	return sig, nil
}

func (basic256Sha256Provider) AsymmetricVerify(data, signature []byte, peerPub *rsa.PublicKey) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(peerPub, stdcrypto.SHA256, digest[:], signature); err != nil {
		return protoerr.NewSecurityError("crypto.basic256sha256.verify", protoerr.BadSecurityChecksFailed, err)
	}
	return nil
}

func (basic256Sha256Provider) SymmetricEncrypt(plaintext []byte, keys KeySet) ([]byte, error) {
	if len(plaintext)%b256AesBlockSize != 0 {
		return nil, protoerr.NewFramingError("crypto.basic256sha256.encrypt", protoerr.BadEncodingError,
			fmt.Errorf("plaintext length %d not a multiple of block size %d", len(plaintext), b256AesBlockSize))
	}
	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return nil, protoerr.NewSecurityError("crypto.basic256sha256.encrypt", protoerr.BadSecurityChecksFailed, err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, keys.InitVec).CryptBlocks(out, plaintext)
	return out, nil
}

func (basic256Sha256Provider) SymmetricDecrypt(ciphertext []byte, keys KeySet) ([]byte, error) {
	if len(ciphertext)%b256AesBlockSize != 0 {
		return nil, protoerr.NewFramingError("crypto.basic256sha256.decrypt", protoerr.BadDecodingError,
			fmt.Errorf("ciphertext length %d not a multiple of block size %d", len(ciphertext), b256AesBlockSize))
	}
	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return nil, protoerr.NewSecurityError("crypto.basic256sha256.decrypt", protoerr.BadSecurityChecksFailed, err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.InitVec).CryptBlocks(out, ciphertext)
	return out, nil
}

func (basic256Sha256Provider) SymmetricSign(data []byte, keys KeySet) ([]byte, error) {
	m := hmac.New(sha256.New, keys.SignKey)
	m.Write(data)
	return m.Sum(nil), nil
}

func (basic256Sha256Provider) SymmetricVerify(data, mac []byte, keys KeySet) error {
	want, _ := basic256Sha256Provider{}.SymmetricSign(data, keys)
	if !hmac.Equal(want, mac) {
		return protoerr.NewSecurityError("crypto.basic256sha256.verify", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("hmac mismatch"))
	}
	return nil
}
