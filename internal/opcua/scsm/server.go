package scsm

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/pki"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// IDAllocator hands out a fresh (secureChannelId, tokenId) pair, guaranteed
// non-zero and not currently in use by any other live connection this
// listener owns. Supplied by the listener (slsm), which is the only layer
// that sees every connection at once; scsm only retries on collision.
type IDAllocator interface {
	AllocateChannelID() (uint32, error)
	AllocateTokenID(channelID uint32) (uint32, error)
}

// maxIDAllocAttempts bounds the retry loop on a reported collision (§4.2.2's
// allocation-exhaustion rule: give up rather than loop forever).
const maxIDAllocAttempts = 5

// ServerConfig parametrizes Accept. A listener is configured for exactly one
// (PolicyURI, Mode) pair; the OPN's declared policy/mode are validated
// against it rather than driving the server's own choice, since the
// asymmetric encryption applied to the OPN itself must be known before the
// body — which carries the client's requested mode — can be decrypted.
type ServerConfig struct {
	PolicyURI string
	Mode      crypto.SecurityMode

	LocalPrivateKey *rsa.PrivateKey
	LocalCertDER    []byte
	PKI             pki.Provider

	ReceiveBufSize uint32
	SendBufSize    uint32
	MaxMessageSize uint32
	MaxChunkCount  uint32

	MaxRequestedLifetime time.Duration

	EstablishTimeout time.Duration
	RequestTimeout   time.Duration

	IDs IDAllocator
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.ReceiveBufSize == 0 {
		cfg.ReceiveBufSize = ua.MinNegotiatedBufferSize
	}
	if cfg.SendBufSize == 0 {
		cfg.SendBufSize = ua.MinNegotiatedBufferSize
	}
	if cfg.MaxRequestedLifetime == 0 {
		cfg.MaxRequestedLifetime = 1 * time.Hour
	}
	if cfg.EstablishTimeout == 0 {
		cfg.EstablishTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return cfg
}

// Accept implements the full server table of §4.2 on an already-accepted
// socket: HEL/ACK, OPN Issue, and — on success — a live Connection in
// ScConnected with its steady-state read loop running.
func Accept(nc net.Conn, cfg ServerConfig, obs Observer) (*Connection, error) {
	cfg = cfg.withDefaults()

	c := newConnection(nc, true, obs)
	c.requestTimeout = cfg.RequestTimeout
	c.setState(StateTcpInit)

	if err := nc.SetDeadline(time.Now().Add(cfg.EstablishTimeout)); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if err := c.serverHandshake(cfg); err != nil {
		_ = nc.Close()
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

func (c *Connection) serverHandshake(cfg ServerConfig) error {
	c.setState(StateTcpNegotiate)

	raw, err := readRawChunk(c.netConn, 0)
	if err != nil {
		return toEstablishError(err)
	}
	res, err := chunk.ProcessIncomingChunk(raw, nil, nil, chunk.NewSequenceState(), &chunk.ReassemblyBuffer{}, chunk.Limits{}, time.Now())
	if err != nil {
		return err
	}
	if res.Kind != chunk.IncomingHello {
		return protoerr.NewFramingError("scsm.hello", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("expected HEL, got kind %d", res.Kind))
	}
	hello, err := ua.DecodeHello(res.Body)
	if err != nil {
		return err
	}

	// §4.2.2: clamp peer-proposed buffer/size parameters, rejecting a
	// negotiated size below the 8192-byte floor.
	c.limits.ReceiveBufferSize = int(clampBuffer(minNonZero(cfg.ReceiveBufSize, hello.SendBufSize)))
	c.limits.ReceiveMaxMessageSize = int(minNonZero(cfg.MaxMessageSize, hello.MaxMessageSize))
	c.limits.ReceiveMaxChunkCount = int(minNonZero(cfg.MaxChunkCount, hello.MaxChunkCount))
	c.chunkSize = int(clampBuffer(minNonZero(cfg.SendBufSize, hello.ReceiveBufSize)))
	if hello.ReceiveBufSize != 0 && hello.ReceiveBufSize < ua.MinNegotiatedBufferSize {
		errChunk := chunk.EncodeErrChunk(chunk.BuildErrBody(protoerr.BadInvalidArgument, "receive buffer below minimum"))
		_ = c.writeRaw(errChunk)
		return protoerr.NewChannelError("scsm.hello", protoerr.BadInvalidArgument,
			fmt.Errorf("client receive buffer %d below minimum %d", hello.ReceiveBufSize, ua.MinNegotiatedBufferSize))
	}

	ackBody := ua.AckBody{
		Version:        0,
		ReceiveBufSize: cfg.ReceiveBufSize,
		SendBufSize:    uint32(c.chunkSize),
		MaxMessageSize: cfg.MaxMessageSize,
		MaxChunkCount:  cfg.MaxChunkCount,
	}
	if err := c.writeRaw(chunk.EncodeAckChunk(ackBody)); err != nil {
		return protoerr.NewChannelError("scsm.hello", protoerr.BadTcpInternalError, err)
	}

	c.setState(StateScInit)

	provider, err := crypto.ForPolicy(cfg.PolicyURI)
	if err != nil {
		return err
	}
	c.sc = &chunk.SecurityContext{
		Policy:          provider,
		Mode:            cfg.Mode,
		LocalPrivateKey: cfg.LocalPrivateKey,
		LocalCertDER:    cfg.LocalCertDER,
		IsServer:        true,
	}
	c.pki = cfg.PKI

	c.setState(StateScConnecting)
	return c.receiveOpnIssue(cfg)
}

func (c *Connection) receiveOpnIssue(cfg ServerConfig) error {
	raw, err := readRawChunk(c.netConn, c.limits.ReceiveBufferSize)
	if err != nil {
		return toEstablishError(err)
	}
	res, err := chunk.ProcessIncomingChunk(raw, c.sc, c.pki, c.recvSeq, c.reasm, c.limits, time.Now())
	if err != nil {
		return err
	}
	if res.Kind != chunk.IncomingOpn {
		return protoerr.NewFramingError("scsm.opn_request", protoerr.BadTcpMessageTypeInvalid,
			fmt.Errorf("expected OPN, got kind %d", res.Kind))
	}
	if res.AsymHeader == nil || res.AsymHeader.SecurityPolicyURI != cfg.PolicyURI {
		return protoerr.NewSecurityError("scsm.opn_request", protoerr.BadSecurityPolicyRejected,
			fmt.Errorf("unsupported security policy"))
	}

	req, err := ua.DecodeOpenSecureChannelRequest(res.Body)
	if err != nil {
		return err
	}
	if req.RequestType != ua.RequestTypeIssue {
		return protoerr.NewChannelError("scsm.opn_request", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("expected Issue on a new channel, got %v", req.RequestType))
	}
	mode, err := securityModeFromWire(req.SecurityMode)
	if err != nil {
		return err
	}
	if mode != cfg.Mode {
		return protoerr.NewSecurityError("scsm.opn_request", protoerr.BadSecurityModeRejected,
			fmt.Errorf("requested mode %s does not match endpoint mode %s", mode, cfg.Mode))
	}
	if cfg.Mode != crypto.ModeNone && len(req.ClientNonce) != c.sc.Policy.NonceLength() {
		return protoerr.NewSecurityError("scsm.opn_request", protoerr.BadNonceInvalid,
			fmt.Errorf("client nonce length %d, want %d", len(req.ClientNonce), c.sc.Policy.NonceLength()))
	}
	requestedLifetime := time.Duration(req.RequestedLifetime) * time.Millisecond
	if requestedLifetime <= 0 || requestedLifetime > cfg.MaxRequestedLifetime {
		requestedLifetime = cfg.MaxRequestedLifetime
	}

	channelID, tokenID, err := c.allocateIDs(cfg.IDs)
	if err != nil {
		return err
	}
	c.secureChannelID = channelID

	serverNonce, err := newNonce(c.sc.Policy)
	if err != nil {
		return err
	}
	c.serverNonce = serverNonce

	sendKeys, recvKeys, err := c.sc.Policy.DeriveServerKeys(req.ClientNonce, serverNonce)
	if err != nil {
		return err
	}
	c.sc.Current = &chunk.TokenKeys{
		TokenID:         tokenID,
		Send:            sendKeys,
		Recv:            recvKeys,
		LifetimeEnd:     time.Now().Add(requestedLifetime),
		RevisedLifetime: requestedLifetime,
	}

	respBody := ua.EncodeOpenSecureChannelResponse(ua.OpenSecureChannelResponse{
		ServerProtocolVersion: 0,
		SecurityToken: ua.ChannelSecurityToken{
			ChannelId:       channelID,
			TokenId:         tokenID,
			RevisedLifetime: uint32(requestedLifetime.Milliseconds()),
		},
		ServerNonce: serverNonce,
	})
	asym := c.buildAsymmetricHeader(cfg.PolicyURI, cfg.LocalCertDER, res.AsymHeader.SenderCertificate)
	seq := ua.SequenceHeader{SequenceNumber: res.SequenceNumber + 1, RequestId: res.RequestID}
	out, err := chunk.EncodeOpnChunk(channelID, asym, seq, respBody, c.sc, c.chunkSize)
	if err != nil {
		return err
	}
	if err := c.writeRaw(out); err != nil {
		return protoerr.NewChannelError("scsm.opn_request", protoerr.BadTcpInternalError, err)
	}
	c.sendSeq = ua.SequenceHeader{SequenceNumber: seq.SequenceNumber + 1}

	c.setState(StateScConnected)
	return nil
}

// allocateIDs asks cfg for a fresh id pair, retrying on a reported
// collision up to maxIDAllocAttempts times (§4.2.2). A nil allocator (e.g.
// in tests or a single-connection listener) falls back to crypto/rand.
func (c *Connection) allocateIDs(ids IDAllocator) (channelID, tokenID uint32, err error) {
	for attempt := 0; attempt < maxIDAllocAttempts; attempt++ {
		if ids != nil {
			channelID, err = ids.AllocateChannelID()
		} else {
			channelID, err = randomNonZeroID()
		}
		if err != nil {
			continue
		}
		if ids != nil {
			tokenID, err = ids.AllocateTokenID(channelID)
		} else {
			tokenID, err = randomNonZeroID()
		}
		if err == nil {
			return channelID, tokenID, nil
		}
	}
	return 0, 0, protoerr.NewResourceError("scsm.allocate_ids", protoerr.BadOutOfMemory,
		fmt.Errorf("exhausted %d id allocation attempts", maxIDAllocAttempts))
}

func randomNonZeroID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	id := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// handleOpnRequest implements the server's steady-state OPN row: only a
// Renew is expected here, since Issue only ever happens during Accept's
// synchronous handshake (§4.2).
func (c *Connection) handleOpnRequest(res *chunk.IncomingResult) {
	if err := c.applyOpnRequest(res); err != nil {
		c.log.Warn("OPN renew request failed", "error", err)
		c.closeWithError(statusOrDefault(err, protoerr.BadSecurityChecksFailed))
	}
}

func (c *Connection) applyOpnRequest(res *chunk.IncomingResult) error {
	if res.AsymHeader == nil || res.AsymHeader.SecurityPolicyURI != c.sc.Policy.PolicyURI() {
		return protoerr.NewSecurityError("scsm.opn_renew", protoerr.BadSecurityPolicyRejected,
			fmt.Errorf("unsupported security policy on renew"))
	}
	req, err := ua.DecodeOpenSecureChannelRequest(res.Body)
	if err != nil {
		return err
	}
	if req.RequestType != ua.RequestTypeRenew {
		return protoerr.NewChannelError("scsm.opn_renew", protoerr.BadSecurityChecksFailed,
			fmt.Errorf("expected Renew on an established channel, got %v", req.RequestType))
	}
	mode, err := securityModeFromWire(req.SecurityMode)
	if err != nil {
		return err
	}
	if mode != c.sc.Mode {
		return protoerr.NewSecurityError("scsm.opn_renew", protoerr.BadSecurityModeRejected,
			fmt.Errorf("renew requested mode %s does not match channel mode %s", mode, c.sc.Mode))
	}
	if c.sc.Mode != crypto.ModeNone && len(req.ClientNonce) != c.sc.Policy.NonceLength() {
		return protoerr.NewSecurityError("scsm.opn_renew", protoerr.BadNonceInvalid,
			fmt.Errorf("client nonce length %d, want %d", len(req.ClientNonce), c.sc.Policy.NonceLength()))
	}
	requestedLifetime := time.Duration(req.RequestedLifetime) * time.Millisecond
	if requestedLifetime <= 0 {
		requestedLifetime = c.sc.Current.RevisedLifetime
	}

	c.setState(StateScConnectedRenew)

	var tokenID uint32
	for attempt := 0; attempt < maxIDAllocAttempts; attempt++ {
		candidate, err := randomNonZeroID()
		if err != nil {
			continue
		}
		if c.sc.Current != nil && candidate == c.sc.Current.TokenID {
			continue
		}
		if c.sc.Precedent != nil && candidate == c.sc.Precedent.TokenID {
			continue
		}
		tokenID = candidate
		break
	}
	if tokenID == 0 {
		return protoerr.NewResourceError("scsm.opn_renew", protoerr.BadOutOfMemory,
			fmt.Errorf("exhausted %d token id allocation attempts", maxIDAllocAttempts))
	}

	serverNonce, err := newNonce(c.sc.Policy)
	if err != nil {
		return err
	}
	sendKeys, recvKeys, err := c.sc.Policy.DeriveServerKeys(req.ClientNonce, serverNonce)
	if err != nil {
		return err
	}
	newToken := &chunk.TokenKeys{
		TokenID:         tokenID,
		Send:            sendKeys,
		Recv:            recvKeys,
		LifetimeEnd:     time.Now().Add(requestedLifetime),
		RevisedLifetime: requestedLifetime,
	}

	respBody := ua.EncodeOpenSecureChannelResponse(ua.OpenSecureChannelResponse{
		ServerProtocolVersion: 0,
		SecurityToken: ua.ChannelSecurityToken{
			ChannelId:       c.secureChannelID,
			TokenId:         tokenID,
			RevisedLifetime: uint32(requestedLifetime.Milliseconds()),
		},
		ServerNonce: serverNonce,
	})
	asym := c.buildAsymmetricHeader(c.sc.Policy.PolicyURI(), c.sc.LocalCertDER, res.AsymHeader.SenderCertificate)
	seq := c.nextSendSeq()
	seq.RequestId = res.RequestID
	out, err := chunk.EncodeOpnChunk(c.secureChannelID, asym, seq, respBody, c.sc, c.chunkSize)
	if err != nil {
		return err
	}
	if err := c.writeRaw(out); err != nil {
		return err
	}

	c.sc.Precedent = c.sc.Current
	c.sc.Current = newToken
	c.sc.ServerNewTokenActive = false
	c.setState(StateScConnected)
	return nil
}
