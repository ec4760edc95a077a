// Command sc-client dials a single OPC UA secure-channel endpoint, opens a
// channel, sends one MSG body read from stdin (or a connectivity probe with
// none given), and prints whatever it receives back before disconnecting.
// Structured after cmd/rtmp-server/main.go's flag/logger/signal bootstrap,
// adapted to a one-shot client instead of a long-lived server.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/logger"
	"github.com/alxayo/opcua-sc/internal/opcua/config"
	"github.com/alxayo/opcua-sc/internal/opcua/scsm"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sc-client:", err)
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "sc-client: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "sc-client")

	mode, err := config.SecurityModeValue(cfg.SecurityMode)
	if err != nil {
		log.Error("invalid security mode", "error", err)
		os.Exit(1)
	}

	privKey, certDER, peerCertDER, err := loadClientIdentity(cfg)
	if err != nil {
		log.Error("failed to load client identity", "error", err)
		os.Exit(1)
	}

	obs := &recvObserver{log: log, done: make(chan struct{})}

	conn, err := scsm.Connect(scsm.ClientConfig{
		EndpointURL:       cfg.EndpointURL,
		PolicyURI:         cfg.PolicyURI,
		Mode:              mode,
		LocalPrivateKey:   privKey,
		LocalCertDER:      certDER,
		PeerCertDER:       peerCertDER,
		RequestedLifetime: cfg.RequestedLifetime,
		EstablishTimeout:  cfg.EstablishTimeout,
		RequestTimeout:    cfg.RequestTimeout,
	}, obs)
	if err != nil {
		log.Error("connect failed", "error", err)
		os.Exit(1)
	}
	log.Info("secure channel connected", "channelId", conn.SecureChannelID(), "remote", conn.RemoteAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	body, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		log.Error("read stdin", "error", err)
	}
	if len(body) == 0 {
		body = []byte("ping")
	}
	if _, err := conn.SendMsg(body, 1); err != nil {
		log.Error("send failed", "error", err)
		conn.Disconnect()
		os.Exit(1)
	}

	select {
	case <-obs.done:
	case <-ctx.Done():
		log.Info("interrupted before response")
	case <-time.After(cfg.RequestTimeout):
		log.Error("timed out waiting for response")
	}

	conn.Disconnect()
	<-conn.Done()
	log.Info("sc-client stopped cleanly")
}

func loadClientIdentity(cfg config.Client) (*rsa.PrivateKey, []byte, []byte, error) {
	var (
		privKey *rsa.PrivateKey
		certDER []byte
	)
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load key pair: %w", err)
		}
		key, ok := pair.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, nil, fmt.Errorf("client key must be RSA")
		}
		privKey = key
		certDER = pair.Certificate[0]
	}

	var peerCertDER []byte
	if cfg.PeerCert != "" {
		der, err := certDERFromFile(cfg.PeerCert)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load peer cert: %w", err)
		}
		peerCertDER = der
	}
	return privKey, certDER, peerCertDER, nil
}

// certDERFromFile reads a PEM or raw-DER certificate file and returns its
// DER bytes, matching the encodings pki.DiskProvider accepts for trust
// bundles.
func certDERFromFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	if _, err := x509.ParseCertificate(raw); err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return raw, nil
}

// recvObserver prints received messages and unblocks main once one arrives
// or the channel tears down for any reason.
type recvObserver struct {
	scsm.NopObserver
	log  *slog.Logger
	done chan struct{}
}

func (o *recvObserver) RcvMsg(c *scsm.Connection, body []byte, requestID uint32) {
	o.log.Info("received response", "requestId", requestID, "bytes", len(body))
	fmt.Fprintln(os.Stdout, string(body))
	closeOnce(o.done)
}

func (o *recvObserver) SendFailure(c *scsm.Connection, requestHandle uint32, status protoerr.StatusCode) {
	o.log.Error("send failed", "requestHandle", requestHandle, "status", status)
	closeOnce(o.done)
}

func (o *recvObserver) Disconnected(c *scsm.Connection, status protoerr.StatusCode) {
	closeOnce(o.done)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
