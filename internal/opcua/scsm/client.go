package scsm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/pki"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// ClientConfig parametrizes Connect (§4.2 client table).
type ClientConfig struct {
	EndpointURL string

	PolicyURI string
	Mode      crypto.SecurityMode

	LocalPrivateKey *rsa.PrivateKey
	LocalCertDER    []byte
	PeerCertDER     []byte // required unless Mode == crypto.ModeNone
	PKI             pki.Provider

	RequestedLifetime time.Duration

	ReceiveBufSize uint32
	SendBufSize    uint32
	MaxMessageSize uint32
	MaxChunkCount  uint32
	ChunkSize      int

	EstablishTimeout time.Duration // bounds the synchronous HEL/ACK/OPN handshake
	OpnTimeout       time.Duration // defaulted but not read: sendOpnRenew bounds a Renew with a fixed 10s timer
	RequestTimeout   time.Duration // per-MSG response timeout
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.ReceiveBufSize == 0 {
		cfg.ReceiveBufSize = ua.MinNegotiatedBufferSize
	}
	if cfg.SendBufSize == 0 {
		cfg.SendBufSize = ua.MinNegotiatedBufferSize
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = ua.MinNegotiatedBufferSize
	}
	if cfg.EstablishTimeout == 0 {
		cfg.EstablishTimeout = 10 * time.Second
	}
	if cfg.OpnTimeout == 0 {
		cfg.OpnTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RequestedLifetime == 0 {
		cfg.RequestedLifetime = 60 * time.Second
	}
	return cfg
}

// Connect implements the full client table of §4.2: dial, HEL/ACK, OPN
// Issue, and — on success — a live Connection in ScConnected with its
// steady-state read loop and renew timer already running.
func Connect(cfg ClientConfig, obs Observer) (*Connection, error) {
	cfg = cfg.withDefaults()

	hostport, err := hostPortFromEndpointURL(cfg.EndpointURL)
	if err != nil {
		return nil, err
	}
	nc, err := net.Dial("tcp", hostport)
	if err != nil {
		return nil, protoerr.NewChannelError("scsm.connect", protoerr.BadTcpInternalError, err)
	}

	c := newConnection(nc, false, obs)
	c.requestTimeout = cfg.RequestTimeout
	c.setState(StateTcpInit)

	if err := nc.SetDeadline(time.Now().Add(cfg.EstablishTimeout)); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if err := c.clientHandshake(cfg); err != nil {
		_ = nc.Close()
		if protoerr.IsTimeout(err) {
			obs.ConnectionTimeout(c)
		}
		return nil, err
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		_ = nc.Close()
		return nil, err
	}

	c.start()
	c.obs.Connected(c)
	return c, nil
}

func (c *Connection) clientHandshake(cfg ClientConfig) error {
	c.setState(StateTcpNegotiate)
	hello := ua.HelloBody{
		Version:        0,
		ReceiveBufSize: cfg.ReceiveBufSize,
		SendBufSize:    cfg.SendBufSize,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxChunkCount:  cfg.MaxChunkCount,
		EndpointURL:    cfg.EndpointURL,
	}
	helloChunk, err := chunk.EncodeHelloChunk(hello)
	if err != nil {
		return err
	}
	if err := c.writeRaw(helloChunk); err != nil {
		return protoerr.NewChannelError("scsm.hello", protoerr.BadTcpInternalError, err)
	}

	raw, err := readRawChunk(c.netConn, 0)
	if err != nil {
		return toEstablishError(err)
	}
	res, err := chunk.ProcessIncomingChunk(raw, nil, nil, chunk.NewSequenceState(), &chunk.ReassemblyBuffer{}, chunk.Limits{}, time.Now())
	if err != nil {
		return err
	}
	if res.Kind == chunk.IncomingErr {
		errBody, derr := ua.DecodeErr(res.Body)
		if derr != nil {
			return derr
		}
		return protoerr.NewChannelError("scsm.hello", errBody.StatusCode, fmt.Errorf("server rejected HEL: %s", errBody.Reason))
	}
	if res.Kind != chunk.IncomingAck {
		return protoerr.NewFramingError("scsm.hello", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("expected ACK, got kind %d", res.Kind))
	}
	ack, err := ua.DecodeAck(res.Body)
	if err != nil {
		return err
	}

	// §4.2.1: apply peer-proposed parameters, clamped by our own initial
	// request and by the 8192-byte floor.
	c.limits.ReceiveBufferSize = int(clampBuffer(minNonZero(cfg.ReceiveBufSize, ack.SendBufSize)))
	c.limits.ReceiveMaxMessageSize = int(minNonZero(cfg.MaxMessageSize, ack.MaxMessageSize))
	c.limits.ReceiveMaxChunkCount = int(minNonZero(cfg.MaxChunkCount, ack.MaxChunkCount))
	c.chunkSize = int(clampBuffer(minNonZero(cfg.SendBufSize, ack.ReceiveBufSize)))
	if c.chunkSize < ua.MinNegotiatedBufferSize {
		return protoerr.NewChannelError("scsm.hello", protoerr.BadInvalidArgument,
			fmt.Errorf("negotiated send buffer %d below minimum %d", c.chunkSize, ua.MinNegotiatedBufferSize))
	}

	c.setState(StateScInit)

	provider, err := crypto.ForPolicy(cfg.PolicyURI)
	if err != nil {
		return err
	}
	var peerPub *rsa.PublicKey
	if cfg.Mode != crypto.ModeNone {
		cert, err := x509.ParseCertificate(cfg.PeerCertDER)
		if err != nil {
			return protoerr.NewSecurityError("scsm.hello", protoerr.BadCertificateInvalid, err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return protoerr.NewSecurityError("scsm.hello", protoerr.BadCertificateInvalid, fmt.Errorf("peer certificate key is not RSA"))
		}
		peerPub = pub
	}
	c.sc = &chunk.SecurityContext{
		Policy:          provider,
		Mode:            cfg.Mode,
		LocalPrivateKey: cfg.LocalPrivateKey,
		LocalCertDER:    cfg.LocalCertDER,
		PeerCertDER:     cfg.PeerCertDER,
		PeerPublicKey:   peerPub,
		IsServer:        false,
	}
	c.pki = cfg.PKI

	c.setState(StateScConnecting)
	return c.sendOpnIssue(cfg)
}

func (c *Connection) sendOpnIssue(cfg ClientConfig) error {
	nonce, err := newNonce(c.sc.Policy)
	if err != nil {
		return err
	}
	c.clientNonce = nonce

	body := ua.EncodeOpenSecureChannelRequest(ua.OpenSecureChannelRequest{
		ClientProtocolVersion: 0,
		RequestType:           ua.RequestTypeIssue,
		SecurityMode:          uint32(cfg.Mode),
		ClientNonce:           nonce,
		RequestedLifetime:     uint32(cfg.RequestedLifetime.Milliseconds()),
	})

	asym := c.buildAsymmetricHeader(cfg.PolicyURI, cfg.LocalCertDER, cfg.PeerCertDER)
	seq := ua.SequenceHeader{SequenceNumber: 1, RequestId: c.requests.nextID()}
	out, err := chunk.EncodeOpnChunk(0, asym, seq, body, c.sc, c.chunkSize)
	if err != nil {
		return err
	}
	if err := c.writeRaw(out); err != nil {
		return protoerr.NewChannelError("scsm.opn_issue", protoerr.BadTcpInternalError, err)
	}
	c.sendSeq = ua.SequenceHeader{SequenceNumber: seq.SequenceNumber + 1}

	raw, err := readRawChunk(c.netConn, c.limits.ReceiveBufferSize)
	if err != nil {
		return toEstablishError(err)
	}
	res, err := chunk.ProcessIncomingChunk(raw, c.sc, c.pki, c.recvSeq, c.reasm, c.limits, time.Now())
	if err != nil {
		return err
	}
	return c.applyOpnResponse(res, true, cfg.RequestedLifetime)
}

// sendOpnRenew implements `ScConnected -> Renew timer -> ScConnectedRenew`;
// the response is handled asynchronously by handleOpnResponse once it
// arrives through the steady-state read loop.
func (c *Connection) sendOpnRenew() error {
	c.setState(StateScConnectedRenew)

	nonce, err := newNonce(c.sc.Policy)
	if err != nil {
		return err
	}
	c.clientNonce = nonce

	body := ua.EncodeOpenSecureChannelRequest(ua.OpenSecureChannelRequest{
		ClientProtocolVersion: 0,
		RequestType:           ua.RequestTypeRenew,
		SecurityMode:          uint32(c.sc.Mode),
		ClientNonce:           nonce,
		RequestedLifetime:     uint32(c.sc.Current.RevisedLifetime.Milliseconds()),
	})
	asym := c.buildAsymmetricHeader(c.sc.Policy.PolicyURI(), c.sc.LocalCertDER, c.sc.PeerCertDER)
	seq := c.nextSendSeq()
	seq.RequestId = c.requests.nextID()
	out, err := chunk.EncodeOpnChunk(c.secureChannelID, asym, seq, body, c.sc, c.chunkSize)
	if err != nil {
		return err
	}
	if err := c.writeRaw(out); err != nil {
		return err
	}
	c.pendingOpnTimer.cancel()
	c.pendingOpnTimer = c.armTimer(10*time.Second, func() {
		c.postAsNext(event{kind: evOpnTimeout})
	})
	return nil
}

// handleOpnResponse completes either the Issue (still synchronous, called
// directly from sendOpnIssue) or a Renew (async, via the event loop).
func (c *Connection) handleOpnResponse(res *chunk.IncomingResult) {
	if err := c.applyOpnResponse(res, false, 0); err != nil {
		c.log.Warn("OPN renewal failed", "error", err)
		c.closeWithError(statusOrDefault(err, protoerr.BadTcpInternalError))
	}
}

func (c *Connection) applyOpnResponse(res *chunk.IncomingResult, isIssue bool, requestedLifetime time.Duration) error {
	if res.Kind != chunk.IncomingOpn {
		return protoerr.NewFramingError("scsm.opn_response", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("expected OPN, got kind %d", res.Kind))
	}
	resp, err := ua.DecodeOpenSecureChannelResponse(res.Body)
	if err != nil {
		return err
	}
	if resp.ServerProtocolVersion != 0 {
		return protoerr.NewChannelError("scsm.opn_response", protoerr.BadProtocolVersionUnsupported,
			fmt.Errorf("server protocol version %d", resp.ServerProtocolVersion))
	}
	if resp.SecurityToken.ChannelId == 0 || resp.SecurityToken.TokenId == 0 {
		return protoerr.NewSecurityError("scsm.opn_response", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("channel id or token id is zero"))
	}
	if isIssue {
		c.secureChannelID = resp.SecurityToken.ChannelId
	} else if resp.SecurityToken.ChannelId != c.secureChannelID {
		return protoerr.NewChannelError("scsm.opn_response", protoerr.BadSecureChannelIdInvalid,
			fmt.Errorf("channel id changed on renew: got %d want %d", resp.SecurityToken.ChannelId, c.secureChannelID))
	} else if c.sc.Current != nil && resp.SecurityToken.TokenId == c.sc.Current.TokenID {
		return protoerr.NewChannelError("scsm.opn_response", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("renewed token id must differ from current"))
	}

	if c.sc.Mode != crypto.ModeNone {
		if len(resp.ServerNonce) != c.sc.Policy.NonceLength() {
			return protoerr.NewSecurityError("scsm.opn_response", protoerr.BadNonceInvalid,
				fmt.Errorf("server nonce length %d, want %d", len(resp.ServerNonce), c.sc.Policy.NonceLength()))
		}
	}

	sendKeys, recvKeys, err := c.sc.Policy.DeriveClientKeys(c.clientNonce, resp.ServerNonce)
	if err != nil {
		return err
	}

	revised := time.Duration(resp.SecurityToken.RevisedLifetime) * time.Millisecond
	if revised <= 0 {
		revised = requestedLifetime
	}
	newToken := &chunk.TokenKeys{
		TokenID:         resp.SecurityToken.TokenId,
		Send:            sendKeys,
		Recv:            recvKeys,
		LifetimeEnd:     time.Now().Add(revised),
		RevisedLifetime: revised,
	}

	if isIssue {
		c.sc.Current = newToken
	} else {
		c.pendingOpnTimer.cancel()
		c.pendingOpnTimer = nil
		c.sc.Precedent = c.sc.Current
		c.sc.Current = newToken
		c.setState(StateScConnected)
	}
	c.armRenewTimer(revised)
	return nil
}

func (c *Connection) buildAsymmetricHeader(policyURI string, localCertDER, peerCertDER []byte) chunk.AsymmetricSecurityHeader {
	h := chunk.AsymmetricSecurityHeader{SecurityPolicyURI: policyURI}
	if c.sc.Mode == crypto.ModeNone {
		return h
	}
	h.SenderCertificate = localCertDER
	if c.pki != nil {
		h.ReceiverCertificateThumbprint = c.pki.Thumbprint(peerCertDER)
	}
	return h
}

func newNonce(provider crypto.Provider) ([]byte, error) {
	n := provider.NonceLength()
	if n == 0 {
		return nil, nil
	}
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		return nil, protoerr.NewSecurityError("scsm.nonce", protoerr.BadSecurityChecksFailed, err)
	}
	return nonce, nil
}

func toEstablishError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return protoerr.NewTimeoutError("scsm.establish", 0, err)
	}
	return protoerr.NewChannelError("scsm.establish", protoerr.BadTcpInternalError, err)
}

func hostPortFromEndpointURL(url string) (string, error) {
	const scheme = "opc.tcp://"
	if !strings.HasPrefix(url, scheme) {
		return "", protoerr.NewFramingError("scsm.endpoint_url", protoerr.BadTcpEndpointUrlInvalid,
			fmt.Errorf("missing %q scheme: %q", scheme, url))
	}
	rest := url[len(scheme):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", protoerr.NewFramingError("scsm.endpoint_url", protoerr.BadTcpEndpointUrlInvalid,
			fmt.Errorf("missing host:port: %q", url))
	}
	return rest, nil
}

func clampBuffer(v uint32) uint32 {
	if v < ua.MinNegotiatedBufferSize {
		return ua.MinNegotiatedBufferSize
	}
	return v
}

// minNonZero returns the smaller of a, b, treating 0 as "no preference"
// rather than a genuine minimum (§4.2.2 buffer/size negotiation).
func minNonZero(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
