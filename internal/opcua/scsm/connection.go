// Package scsm implements the Secure Connection State Manager (§4.2): the
// client and server state tables that drive one OPC UA secure channel from
// TCP establishment through HEL/ACK, OPN issue/renew, steady-state MSG
// traffic and closure.
//
// A Connection is single-threaded cooperative (§5): exactly one goroutine
// (run) ever touches its mutable state. The reader goroutine and armed
// timers only ever post events; they never mutate the Connection directly.
package scsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/logger"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/pki"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// State is one node of the §4.2 client/server transition tables.
type State int

const (
	StateClosed State = iota
	StateTcpInit
	StateTcpReverseInit
	StateTcpNegotiate
	StateScInit
	StateScConnecting
	StateScConnected
	StateScConnectedRenew
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateTcpInit:
		return "TcpInit"
	case StateTcpReverseInit:
		return "TcpReverseInit"
	case StateTcpNegotiate:
		return "TcpNegotiate"
	case StateScInit:
		return "ScInit"
	case StateScConnecting:
		return "ScConnecting"
	case StateScConnected:
		return "ScConnected"
	case StateScConnectedRenew:
		return "ScConnectedRenew"
	default:
		return "Unknown"
	}
}

// Observer receives the §6 output events a Connection raises toward
// Services. Implemented by the caller of Connect/Accept (slsm wraps it with
// its own connection-table bookkeeping); as an interface it keeps scsm
// independently testable.
type Observer interface {
	Connected(c *Connection)
	Disconnected(c *Connection, status protoerr.StatusCode)
	ConnectionTimeout(c *Connection)
	RcvMsg(c *Connection, body []byte, requestID uint32)
	SendFailure(c *Connection, requestHandle uint32, status protoerr.StatusCode)
	RequestTimeout(c *Connection, requestHandle uint32)
}

// NopObserver discards every notification; useful for tests and as a
// zero-value default so Connection never has to nil-check obs.
type NopObserver struct{}

func (NopObserver) Connected(*Connection)                                {}
func (NopObserver) Disconnected(*Connection, protoerr.StatusCode)        {}
func (NopObserver) ConnectionTimeout(*Connection)                        {}
func (NopObserver) RcvMsg(*Connection, []byte, uint32)                   {}
func (NopObserver) SendFailure(*Connection, uint32, protoerr.StatusCode) {}
func (NopObserver) RequestTimeout(*Connection, uint32)                   {}

// Connection is one secure channel endpoint, client or server side.
type Connection struct {
	ID       string // xid correlation handle, distinct from the wire SecureChannelId
	IsServer bool

	netConn net.Conn
	log     *slog.Logger
	obs     Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// state is only mutated by run(); stateMu guards the handful of external
	// readers (tests, metrics) that want a consistent snapshot without
	// injecting themselves into the event loop.
	stateMu sync.RWMutex
	state   State

	secureChannelID uint32
	sc              *chunk.SecurityContext
	pki             pki.Provider

	sendSeq   ua.SequenceHeader
	recvSeq   *chunk.SequenceState
	reasm     *chunk.ReassemblyBuffer
	limits    chunk.Limits
	chunkSize int

	requests       *requestTable
	requestTimeout time.Duration

	clientNonce []byte
	serverNonce []byte

	renewTimer    *timerHandle
	pendingOpnTimer *timerHandle

	events  chan event
	asNext  chan event
	closeMu sync.Mutex
	closed  bool
}

func newConnection(nc net.Conn, isServer bool, obs Observer) *Connection {
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := xid.New().String()
	lgr := logger.WithConn(logger.Logger(), id, remoteAddrString(nc))
	lgr = logger.WithChannel(lgr, 0, isServer)
	return &Connection{
		ID:         id,
		IsServer:   isServer,
		netConn:    nc,
		log:        lgr,
		obs:        obs,
		ctx:        ctx,
		cancel:     cancel,
		recvSeq:    chunk.NewSequenceState(),
		reasm:      &chunk.ReassemblyBuffer{},
		requests:   newRequestTable(),
		events:    make(chan event, 64),
		asNext:    make(chan event, 16),
		chunkSize: ua.MinNegotiatedBufferSize,
	}
}

func remoteAddrString(nc net.Conn) string {
	if nc == nil {
		return ""
	}
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// State returns a consistent snapshot of the current state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.log.Debug("state transition", "state", s.String())
}

// SecureChannelID reports the wire channel id (0 before OPN completes).
func (c *Connection) SecureChannelID() uint32 { return c.secureChannelID }

// RemoteAddr reports the underlying socket's peer address, for logging and
// listener-level diagnostics.
func (c *Connection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Done reports when this connection's event loop has torn down, so a caller
// (e.g. slsm's reverse-connect loop) can wait for closure without being a
// scsm.Observer itself.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// start launches the steady-state goroutines: one reader draining the
// socket into the event queue, and the run loop that serializes all state
// mutation (§5 — single-threaded cooperative core).
func (c *Connection) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.run()
}

// readLoop only ever reads bytes and posts events; it never touches
// Connection state directly, preserving the single-writer invariant.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		raw, err := readRawChunk(c.netConn, c.limits.ReceiveBufferSize)
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if err == io.EOF {
				c.postAsNext(event{kind: evSocketFailure, err: protoerr.NewChannelError("scsm.read", protoerr.BadSecureChannelClosed, err)})
			} else {
				c.postAsNext(event{kind: evSocketFailure, err: err})
			}
			return
		}
		c.post(event{kind: evRcvRaw, raw: raw})
	}
}

// post enqueues a normal-priority event (§5 FIFO ordering).
func (c *Connection) post(e event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

// postAsNext enqueues a close/error event at front-of-line priority so it
// cannot be overtaken by traffic already queued for this connection (§5).
func (c *Connection) postAsNext(e event) {
	select {
	case c.asNext <- e:
	case <-c.ctx.Done():
	}
}

// run is the single event-loop goroutine; every handler below runs to
// completion before the next event is dequeued, so none of Connection's
// fields other than state/stateMu need locking from here on.
func (c *Connection) run() {
	defer c.wg.Done()
	for {
		var e event
		select {
		case e = <-c.asNext:
		default:
			select {
			case e = <-c.asNext:
			case e = <-c.events:
			case <-c.ctx.Done():
				return
			}
		}
		if !c.dispatch(e) {
			return
		}
	}
}

func (c *Connection) dispatch(e event) bool {
	switch e.kind {
	case evRcvRaw:
		c.handleRaw(e.raw)
	case evSocketFailure:
		c.closeImmediate(statusOrDefault(e.err, protoerr.BadSecureChannelClosed))
		return false
	case evSendMsg:
		c.handleSendMsg(e)
	case evDisconnect:
		c.handleDisconnect()
		return false
	case evRenewDue:
		c.handleRenewDue()
	case evRequestTimeout:
		c.handleRequestTimeout(e.requestID)
	case evOpnTimeout:
		c.handleOpnTimeout()
	case evCloseAsNext:
		c.closeImmediate(e.status)
		return false
	}
	return true
}

func statusOrDefault(err error, fallback protoerr.StatusCode) protoerr.StatusCode {
	if code, ok := protoerr.StatusOf(err); ok {
		return code
	}
	return fallback
}

// handleRaw dispatches one fully-read chunk through the chunk manager and
// reacts per the current state; the bulk of the per-message-kind logic
// lives in client.go/server.go's handle* methods.
func (c *Connection) handleRaw(raw []byte) {
	res, err := chunk.ProcessIncomingChunk(raw, c.sc, c.pki, c.recvSeq, c.reasm, c.limits, time.Now())
	if err != nil {
		c.log.Warn("chunk processing failed", "error", err)
		c.failChannel(err)
		return
	}
	switch res.Kind {
	case chunk.IncomingOpn:
		c.handleOpn(res)
	case chunk.IncomingClo:
		c.handleClo(res)
	case chunk.IncomingMsgComplete:
		c.handleMsgComplete(res)
	case chunk.IncomingMsgIntermediate:
		// nothing to notify yet; reassembly state lives in c.reasm.
	case chunk.IncomingMsgAbort:
		c.handleMsgAbort(res)
	default:
		c.log.Warn("unexpected message in connected state", "kind", res.Kind)
	}
}

// failChannel implements the receive-side error propagation rule of §7:
// any error detected on receive closes the channel.
func (c *Connection) failChannel(err error) {
	status := statusOrDefault(err, protoerr.BadTcpInternalError)
	c.closeWithError(status)
}

func (c *Connection) writeRaw(b []byte) error {
	_, err := c.netConn.Write(b)
	return err
}

// Close tears the connection down following §4.2.5's closure policy; safe
// to call multiple times and from any goroutine. Satisfies io.Closer.
func (c *Connection) Close() error {
	c.Disconnect()
	return nil
}

func readRawChunk(nc net.Conn, maxSize int) ([]byte, error) {
	hdr := make([]byte, ua.CommonHeaderSize)
	if _, err := io.ReadFull(nc, hdr); err != nil {
		return nil, err
	}
	common, err := ua.DecodeCommonHeader(hdr)
	if err != nil {
		return nil, err
	}
	if int(common.MessageSize) < ua.CommonHeaderSize {
		return nil, protoerr.NewFramingError("scsm.read_chunk", protoerr.BadDecodingError,
			fmt.Errorf("declared message size %d shorter than common header", common.MessageSize))
	}
	if maxSize > 0 && int(common.MessageSize) > maxSize {
		return nil, protoerr.NewResourceError("scsm.read_chunk", protoerr.BadTcpMessageTooLarge,
			fmt.Errorf("chunk size %d exceeds negotiated receive buffer %d", common.MessageSize, maxSize))
	}
	buf := make([]byte, common.MessageSize)
	copy(buf, hdr)
	if _, err := io.ReadFull(nc, buf[ua.CommonHeaderSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// securityModeFromWire maps the OPN wire integer to crypto.SecurityMode,
// rejecting anything outside the three defined values (§4.2.1).
func securityModeFromWire(v uint32) (crypto.SecurityMode, error) {
	switch v {
	case uint32(crypto.ModeNone):
		return crypto.ModeNone, nil
	case uint32(crypto.ModeSign):
		return crypto.ModeSign, nil
	case uint32(crypto.ModeSignAndEncrypt):
		return crypto.ModeSignAndEncrypt, nil
	default:
		return crypto.ModeInvalid, protoerr.NewSecurityError("scsm.security_mode", protoerr.BadSecurityModeRejected,
			fmt.Errorf("unrecognized security mode %d", v))
	}
}
