package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/hashicorp/vault/api"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/logger"
)

// VaultProvider fetches the CA bundle for a PKI mount from Vault instead of
// disk; used when the deployment's certificate authority lives in Vault's
// PKI secrets engine rather than a local directory.
type VaultProvider struct {
	client  *api.Client
	mount   string
	caField string
}

// NewVaultProvider builds a client against addr without contacting Vault;
// the CA chain is fetched on each ValidateCertificate call. mount is the
// Vault PKI secrets-engine mount path (e.g. "pki").
func NewVaultProvider(addr, token, mount string) (*VaultProvider, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("pki: vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultProvider{client: client, mount: mount, caField: "certificate"}, nil
}

// ValidateCertificate fetches the current CA chain from Vault's ca_chain
// endpoint and validates der against it.
func (v *VaultProvider) ValidateCertificate(der []byte) (*x509.Certificate, error) {
	secret, err := v.client.Logical().Read(v.mount + "/cert/ca_chain")
	if err != nil {
		return nil, protoerr.NewSecurityError("pki.vault.read_ca_chain", protoerr.BadCertificateInvalid, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, protoerr.NewSecurityError("pki.vault.read_ca_chain", protoerr.BadCertificateInvalid,
			fmt.Errorf("empty response from vault mount %s", v.mount))
	}
	chainPEM, _ := secret.Data[v.caField].(string)
	pool := x509.NewCertPool()
	rest := []byte(chainPEM)
	loaded := 0
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			pool.AddCert(cert)
			loaded++
		}
	}
	if loaded == 0 {
		return nil, protoerr.NewSecurityError("pki.vault.read_ca_chain", protoerr.BadCertificateInvalid,
			fmt.Errorf("no usable CA certificates returned by vault mount %s", v.mount))
	}
	logger.Debug("pki: vault ca chain loaded", "mount", v.mount, "certs", loaded)
	return Validate(der, pool, x509.VerifyOptions{})
}

func (v *VaultProvider) Thumbprint(der []byte) []byte { return Thumbprint(der) }

var _ Provider = (*VaultProvider)(nil)
