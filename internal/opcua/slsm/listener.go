// Package slsm implements the Secure Listener State Manager (§4.3): the
// endpoint lifecycle, per-endpoint connection table, and reverse-connect
// retry scheduling that sits above one or more scsm.Connections.
//
// A net.Listener wrapped with an accept loop, a concurrency-safe connection
// table, and a graceful Close that tears every child down before returning.
package slsm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/logger"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/scsm"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// State is one node of the §4.3 listener lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpened
	// StateInactive: the endpoint exists solely to host reverse-connect
	// clients; no listening socket is ever opened.
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpened:
		return "Opened"
	case StateInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// ReverseClientConfig describes one reverse-connect peer (§3, §4.3): the
// listener dials out to ClientURL, sends RHE, then drives the rest of the
// handshake exactly as if it had accepted the socket.
type ReverseClientConfig struct {
	ClientURL   string
	ServerURI   string
	EndpointURL string

	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (r ReverseClientConfig) withDefaults() ReverseClientConfig {
	if r.RetryInitial == 0 {
		r.RetryInitial = 1 * time.Second
	}
	if r.RetryMax == 0 {
		r.RetryMax = 30 * time.Second
	}
	return r
}

// EndpointConfig is the read-only, append-only-during-lifetime input of §3:
// an endpoint URL, whether it hosts a listening socket, the fixed
// (PolicyURI, Mode) pair accepted connections are validated against, and an
// optional set of reverse-connect clients.
type EndpointConfig struct {
	EndpointURL string
	Listens     bool

	ListenAddr string // host:port for the listening socket, when Listens

	Server scsm.ServerConfig

	ReverseClients []ReverseClientConfig
}

// Observer receives the listener-level output events of §6 that sit above
// the per-connection scsm.Observer: endpoint open/close notifications.
// Per-connection notifications (Connected, Disconnected, ...) still flow
// through the scsm.Observer passed to New.
type Observer interface {
	EndpointOpened(l *Listener)
	EndpointClosed(l *Listener)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) EndpointOpened(*Listener) {}
func (NopObserver) EndpointClosed(*Listener) {}

// Listener owns one endpoint: its listening socket (if any), the table of
// secure connections it has accepted or reverse-dialed, and the retry
// timers for its reverse-connect clients.
type Listener struct {
	cfg EndpointConfig
	obs Observer
	up  scsm.Observer // forwarded to every child connection

	log *slog.Logger

	mu    sync.RWMutex
	state State
	ln    net.Listener

	// connections preserves insertion order (§3: "insertion-order
	// fairness on allocation") alongside the id->connection map used for
	// O(1) lookup on disconnect.
	conns      map[string]*scsm.Connection
	connOrder  []string
	channelIDs map[uint32]bool // live secureChannelIds owned by this listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New constructs an unopened Listener. obs receives endpoint-level
// notifications; connObs receives every per-connection notification from
// every child scsm.Connection this listener ever owns.
func New(cfg EndpointConfig, obs Observer, connObs scsm.Observer) *Listener {
	if obs == nil {
		obs = NopObserver{}
	}
	if connObs == nil {
		connObs = scsm.NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:        cfg,
		obs:        obs,
		up:         connObs,
		log:        logger.Logger().With("component", "slsm", "endpoint", cfg.EndpointURL),
		conns:      make(map[string]*scsm.Connection),
		channelIDs: make(map[uint32]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	l.cfg.Server.IDs = l
	return l
}

// State returns a consistent snapshot of the listener's lifecycle state.
func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Addr reports the bound listening address, or nil if the endpoint never
// opened a listening socket (Inactive, or not yet Opened).
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ConnectionCount reports the number of live connections this listener owns.
func (l *Listener) ConnectionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// Open implements EpOpen (§4.3): if the endpoint listens, bind the socket
// and start accepting; either way, launch a reverse-connect goroutine per
// configured reverse client.
func (l *Listener) Open() error {
	l.mu.Lock()
	if l.state != StateClosed {
		l.mu.Unlock()
		return fmt.Errorf("slsm: endpoint %q already open", l.cfg.EndpointURL)
	}
	if l.cfg.Listens {
		l.state = StateOpening
	} else {
		l.state = StateInactive
	}
	l.mu.Unlock()

	if l.cfg.Listens {
		ln, err := net.Listen("tcp", l.cfg.ListenAddr)
		if err != nil {
			l.mu.Lock()
			l.state = StateClosed
			l.mu.Unlock()
			return fmt.Errorf("slsm: listen %s: %w", l.cfg.ListenAddr, err)
		}
		l.mu.Lock()
		l.ln = ln
		l.state = StateOpened
		l.mu.Unlock()
		l.log.Info("endpoint opened", "addr", ln.Addr().String())
		l.wg.Add(1)
		go l.acceptLoop(ln)
	} else {
		l.log.Info("endpoint inactive (reverse-connect only)")
	}

	for i := range l.cfg.ReverseClients {
		rc := l.cfg.ReverseClients[i].withDefaults()
		l.wg.Add(1)
		go l.reverseConnectLoop(rc)
	}

	l.obs.EndpointOpened(l)
	return nil
}

// acceptLoop blocks on Accept, hands each socket to SocketListenerConnection,
// and keeps going until the listener is closed; any other Accept error is
// logged and also ends the loop.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("accept error", "error", err)
			return
		}
		l.SocketListenerConnection(nc)
	}
}

// SocketListenerConnection implements the §4.3 event of the same name: ask
// scsm to run the server handshake on newSocket, then insert it into the
// connection table on success, or close it on failure.
func (l *Listener) SocketListenerConnection(nc net.Conn) {
	if l.State() != StateOpened {
		_ = nc.Close()
		return
	}
	c, err := scsm.Accept(nc, l.cfg.Server, l.childObserver())
	if err != nil {
		l.log.Warn("handshake failed on accepted socket", "remote", nc.RemoteAddr(), "error", err)
		return
	}
	l.insert(c)
}

// reverseConnectLoop implements the client-socket side of a reverse-connect
// client (§3, §9 scenario): dial out, send RHE, then run the same server
// handshake as an accepted connection would. On failure or disconnect, the
// listener schedules another attempt with exponential backoff capped at
// rc.RetryMax — an enrichment over the original's single fixed delay that
// preserves the same steady-state retry period.
func (l *Listener) reverseConnectLoop(rc ReverseClientConfig) {
	defer l.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.RetryInitial
	bo.MaxInterval = rc.RetryMax
	bo.RandomizationFactor = 0 // no jitter, so no delay exceeds RetryMax
	bo.MaxElapsedTime = 0 // retry indefinitely until the listener closes

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		if err := l.reverseConnectOnce(rc); err != nil {
			delay := bo.NextBackOff()
			l.log.Warn("reverse-connect attempt failed, retrying", "client_url", rc.ClientURL, "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
	}
}

func (l *Listener) reverseConnectOnce(rc ReverseClientConfig) error {
	addr, err := hostPortFromURL(rc.ClientURL)
	if err != nil {
		return err
	}
	nc, err := net.DialTimeout("tcp", addr, l.cfg.Server.EstablishTimeout)
	if err != nil {
		return err
	}

	rheBytes, err := chunk.EncodeReverseHelloChunk(ua.ReverseHelloBody{
		ServerURI:   rc.ServerURI,
		EndpointURL: rc.EndpointURL,
	})
	if err != nil {
		_ = nc.Close()
		return fmt.Errorf("slsm: encode RHE: %w", err)
	}
	if _, err := nc.Write(rheBytes); err != nil {
		_ = nc.Close()
		return fmt.Errorf("slsm: send RHE to %s: %w", rc.ClientURL, err)
	}

	c, err := scsm.Accept(nc, l.cfg.Server, l.childObserver())
	if err != nil {
		return fmt.Errorf("slsm: reverse-connect handshake with %s: %w", rc.ClientURL, err)
	}
	l.insert(c)

	// Block until this reverse connection disconnects, then let the caller
	// schedule the next attempt — one live socket per reverse client at a
	// time, matching §3's reverseRetryTimers being per reverse-connect client.
	<-c.Done()
	return nil
}

func hostPortFromURL(raw string) (string, error) {
	addr := strings.TrimPrefix(raw, "opc.tcp://")
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	if addr == "" {
		return "", fmt.Errorf("slsm: empty reverse-connect client URL")
	}
	return addr, nil
}

// insert implements the table-update half of IntEpScCreated: add to the
// connection table, preserving insertion order, and remember this
// connection's channel id for future collision avoidance.
func (l *Listener) insert(c *scsm.Connection) {
	l.mu.Lock()
	l.conns[c.ID] = c
	l.connOrder = append(l.connOrder, c.ID)
	l.channelIDs[c.SecureChannelID()] = true
	l.mu.Unlock()
	l.log.Info("connection registered", "conn_id", c.ID, "channel_id", c.SecureChannelID(), "remote", c.RemoteAddr())
}

// remove implements IntEpScDisconnected: drop from the connection table.
func (l *Listener) remove(connID string, channelID uint32) {
	l.mu.Lock()
	if _, ok := l.conns[connID]; ok {
		delete(l.conns, connID)
		delete(l.channelIDs, channelID)
		for i, id := range l.connOrder {
			if id == connID {
				l.connOrder = append(l.connOrder[:i], l.connOrder[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()
}

// childObserver wraps the listener's own bookkeeping (table removal on
// disconnect) around the observer the caller supplied for every connection
// this listener owns.
func (l *Listener) childObserver() scsm.Observer {
	return &tableObserver{l: l, up: l.up}
}

type tableObserver struct {
	l  *Listener
	up scsm.Observer
}

func (o *tableObserver) Connected(c *scsm.Connection) { o.up.Connected(c) }
func (o *tableObserver) Disconnected(c *scsm.Connection, status protoerr.StatusCode) {
	o.l.remove(c.ID, c.SecureChannelID())
	o.up.Disconnected(c, status)
}
func (o *tableObserver) ConnectionTimeout(c *scsm.Connection) { o.up.ConnectionTimeout(c) }
func (o *tableObserver) RcvMsg(c *scsm.Connection, body []byte, requestID uint32) {
	o.up.RcvMsg(c, body, requestID)
}
func (o *tableObserver) SendFailure(c *scsm.Connection, requestHandle uint32, status protoerr.StatusCode) {
	o.up.SendFailure(c, requestHandle, status)
}
func (o *tableObserver) RequestTimeout(c *scsm.Connection, requestHandle uint32) {
	o.up.RequestTimeout(c, requestHandle)
}

// Close implements EpClose (§4.3): cancel reverse-retry goroutines, close
// every child connection, close the listening socket, wait for every
// goroutine this listener launched to exit, and notify Services exactly
// once even under concurrent callers.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()

		l.mu.Lock()
		ln := l.ln
		conns := make([]*scsm.Connection, 0, len(l.connOrder))
		for _, id := range l.connOrder {
			conns = append(conns, l.conns[id])
		}
		l.state = StateClosed
		l.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}

		l.wg.Wait()
		l.log.Info("endpoint closed")
		l.obs.EndpointClosed(l)
	})
	return nil
}

// AllocateChannelID implements scsm.IDAllocator: a fresh, non-zero,
// listener-unique secureChannelId, retried by the caller (scsm) up to 5
// times on collision (§4.2.2, §4.3).
func (l *Listener) AllocateChannelID() (uint32, error) {
	id, err := randomNonZeroID()
	if err != nil {
		return 0, err
	}
	l.mu.RLock()
	inUse := l.channelIDs[id]
	l.mu.RUnlock()
	if inUse {
		return 0, fmt.Errorf("slsm: channel id %d already in use", id)
	}
	return id, nil
}

// AllocateTokenID implements scsm.IDAllocator. Token-id collision against
// the connection's own current/precedent token is already enforced inside
// scsm itself (§4.2.2); the listener only needs to avoid handing out zero.
func (l *Listener) AllocateTokenID(uint32) (uint32, error) {
	return randomNonZeroID()
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
