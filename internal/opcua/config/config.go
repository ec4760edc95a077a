// Package config loads endpoint and secure-channel configuration from the
// environment via github.com/caarlos0/env/v7, the same pattern
// absmach-magistrala's cmd/*/main.go uses for its service config structs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v7"

	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
)

// Server is the env-driven configuration for cmd/sc-server: one endpoint
// (§3 Endpoint configuration) fixed to a single (PolicyURI, Mode) pair, a
// PKI backend selection, and the buffer/timeout defaults handed to
// scsm.ServerConfig.
type Server struct {
	ListenAddr  string `env:"OPCUA_SC_LISTEN_ADDR" envDefault:":4840"`
	EndpointURL string `env:"OPCUA_SC_ENDPOINT_URL" envDefault:"opc.tcp://0.0.0.0:4840"`

	PolicyURI    string `env:"OPCUA_SC_POLICY_URI" envDefault:"http://opcfoundation.org/UA/SecurityPolicy#None"`
	SecurityMode string `env:"OPCUA_SC_SECURITY_MODE" envDefault:"None"`

	// PKI backend: "disk" (default) or "vault".
	PKIBackend string `env:"OPCUA_SC_PKI_BACKEND" envDefault:"disk"`
	CertFile   string `env:"OPCUA_SC_CERT_FILE" envDefault:""`
	KeyFile    string `env:"OPCUA_SC_KEY_FILE" envDefault:""`
	TrustDir   string `env:"OPCUA_SC_TRUST_DIR" envDefault:""`

	VaultAddr    string `env:"OPCUA_SC_VAULT_ADDR" envDefault:""`
	VaultToken   string `env:"OPCUA_SC_VAULT_TOKEN" envDefault:""`
	VaultKeyPath string `env:"OPCUA_SC_VAULT_KEY_PATH" envDefault:""`

	ReceiveBufSize uint32 `env:"OPCUA_SC_RECEIVE_BUF_SIZE" envDefault:"8192"`
	SendBufSize    uint32 `env:"OPCUA_SC_SEND_BUF_SIZE" envDefault:"8192"`
	MaxMessageSize uint32 `env:"OPCUA_SC_MAX_MESSAGE_SIZE" envDefault:"4194304"`
	MaxChunkCount  uint32 `env:"OPCUA_SC_MAX_CHUNK_COUNT" envDefault:"512"`

	MaxRequestedLifetime time.Duration `env:"OPCUA_SC_MAX_REQUESTED_LIFETIME" envDefault:"1h"`
	EstablishTimeout     time.Duration `env:"OPCUA_SC_ESTABLISH_TIMEOUT" envDefault:"10s"`
	RequestTimeout       time.Duration `env:"OPCUA_SC_REQUEST_TIMEOUT" envDefault:"30s"`

	// ReverseClientURLs: one or more "opc.tcp://host:port" peers this server
	// reverse-connects to instead of (or in addition to) listening (§4.3).
	ReverseClientURLs []string `env:"OPCUA_SC_REVERSE_CLIENT_URLS" envSeparator:","`

	LogLevel    string `env:"OPCUA_SC_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"OPCUA_SC_METRICS_ADDR" envDefault:":9841"`
}

// Client is the env-driven configuration for cmd/sc-client.
type Client struct {
	EndpointURL string `env:"OPCUA_SC_ENDPOINT_URL,required"`

	PolicyURI    string `env:"OPCUA_SC_POLICY_URI" envDefault:"http://opcfoundation.org/UA/SecurityPolicy#None"`
	SecurityMode string `env:"OPCUA_SC_SECURITY_MODE" envDefault:"None"`

	CertFile string `env:"OPCUA_SC_CERT_FILE" envDefault:""`
	KeyFile  string `env:"OPCUA_SC_KEY_FILE" envDefault:""`
	PeerCert string `env:"OPCUA_SC_PEER_CERT_FILE" envDefault:""`

	RequestedLifetime time.Duration `env:"OPCUA_SC_REQUESTED_LIFETIME" envDefault:"1h"`
	EstablishTimeout  time.Duration `env:"OPCUA_SC_ESTABLISH_TIMEOUT" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"OPCUA_SC_REQUEST_TIMEOUT" envDefault:"30s"`

	LogLevel string `env:"OPCUA_SC_LOG_LEVEL" envDefault:"info"`
}

// LoadServer parses a Server config from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("config: parse server env: %w", err)
	}
	return cfg, nil
}

// LoadClient parses a Client config from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("config: parse client env: %w", err)
	}
	return cfg, nil
}

// SecurityModeValue maps the configured string to crypto.SecurityMode.
func SecurityModeValue(s string) (crypto.SecurityMode, error) {
	switch s {
	case "None":
		return crypto.ModeNone, nil
	case "Sign":
		return crypto.ModeSign, nil
	case "SignAndEncrypt":
		return crypto.ModeSignAndEncrypt, nil
	default:
		return crypto.ModeInvalid, fmt.Errorf("config: unrecognized security mode %q", s)
	}
}
