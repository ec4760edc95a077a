// Package pki implements the certificate-chain validation contract the
// chunk manager's asymmetric header handling calls into (§4.1.1): trust
// anchor loading from disk with hot reload, and SHA-1 thumbprinting.
package pki

import (
	"crypto/sha1"
	"crypto/x509"
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// Provider validates a peer certificate against a trust store and computes
// the thumbprint used to match a ReceiverCertificateThumbprint field.
// Implementations must be safe for concurrent use.
type Provider interface {
	// ValidateCertificate chain-validates der against the current trust
	// store. Returns a SecurityError with one of BadCertificateInvalid /
	// BadCertificateUseNotAllowed on rejection.
	ValidateCertificate(der []byte) (*x509.Certificate, error)

	// Thumbprint returns the SHA-1 thumbprint of a DER-encoded certificate
	// (Part 6 §6.2.3 specifies SHA-1 regardless of the signing policy).
	Thumbprint(der []byte) []byte
}

// Thumbprint is the shared SHA-1 thumbprint helper; both the disk-backed
// and Vault-backed providers delegate to it.
func Thumbprint(der []byte) []byte {
	sum := sha1.Sum(der)
	return sum[:]
}

// Validate runs the common chain-validation steps shared by every Provider
// implementation: parse, and verify against the supplied root pool.
func Validate(der []byte, roots *x509.CertPool, opts x509.VerifyOptions) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, protoerr.NewSecurityError("pki.validate.parse", protoerr.BadCertificateInvalid, err)
	}
	opts.Roots = roots
	if _, err := cert.Verify(opts); err != nil {
		return nil, protoerr.NewSecurityError("pki.validate.verify", protoerr.BadCertificateUseNotAllowed,
			fmt.Errorf("chain validation failed for %s: %w", cert.Subject, err))
	}
	return cert, nil
}
