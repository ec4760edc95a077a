package scsm

import (
	"net"
	"sync"
	"testing"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
)

// recordingObserver captures every callback for assertions without needing
// a real Services layer.
type recordingObserver struct {
	mu            sync.Mutex
	connected     int
	disconnected  []protoerr.StatusCode
	msgs          [][]byte
	sendFailures  []protoerr.StatusCode
	reqTimeouts   []uint32
	connTimeouts  int
}

func (o *recordingObserver) Connected(*Connection) {
	o.mu.Lock()
	o.connected++
	o.mu.Unlock()
}
func (o *recordingObserver) Disconnected(_ *Connection, status protoerr.StatusCode) {
	o.mu.Lock()
	o.disconnected = append(o.disconnected, status)
	o.mu.Unlock()
}
func (o *recordingObserver) ConnectionTimeout(*Connection) {
	o.mu.Lock()
	o.connTimeouts++
	o.mu.Unlock()
}
func (o *recordingObserver) RcvMsg(_ *Connection, body []byte, _ uint32) {
	o.mu.Lock()
	o.msgs = append(o.msgs, body)
	o.mu.Unlock()
}
func (o *recordingObserver) SendFailure(_ *Connection, _ uint32, status protoerr.StatusCode) {
	o.mu.Lock()
	o.sendFailures = append(o.sendFailures, status)
	o.mu.Unlock()
}
func (o *recordingObserver) RequestTimeout(_ *Connection, handle uint32) {
	o.mu.Lock()
	o.reqTimeouts = append(o.reqTimeouts, handle)
	o.mu.Unlock()
}

func (o *recordingObserver) msgCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

func (o *recordingObserver) disconnectCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.disconnected)
}

func dialPair(t *testing.T) (client *Connection, server *Connection, clientObs, serverObs *recordingObserver) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	serverObs = &recordingObserver{}
	clientObs = &recordingObserver{}

	acceptDone := make(chan struct{})
	var srvConn *Connection
	var srvErr error
	go func() {
		defer close(acceptDone)
		nc, err := ln.Accept()
		if err != nil {
			srvErr = err
			return
		}
		srvConn, srvErr = Accept(nc, ServerConfig{
			PolicyURI: crypto.PolicyNone,
			Mode:      crypto.ModeNone,
		}, serverObs)
	}()

	cliConn, err := Connect(ClientConfig{
		EndpointURL: "opc.tcp://" + ln.Addr().String(),
		PolicyURI:   crypto.PolicyNone,
		Mode:        crypto.ModeNone,
	}, clientObs)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-acceptDone
	if srvErr != nil {
		t.Fatalf("Accept: %v", srvErr)
	}
	return cliConn, srvConn, clientObs, serverObs
}

func TestConnectAcceptEstablishesNoneModeChannel(t *testing.T) {
	client, server, clientObs, serverObs := dialPair(t)
	defer client.Close()
	defer server.Close()

	if client.State() != StateScConnected {
		t.Fatalf("client state = %s, want ScConnected", client.State())
	}
	if server.State() != StateScConnected {
		t.Fatalf("server state = %s, want ScConnected", server.State())
	}
	if client.SecureChannelID() != server.SecureChannelID() {
		t.Fatalf("channel id mismatch: client %d server %d", client.SecureChannelID(), server.SecureChannelID())
	}
	if clientObs.connected != 1 || serverObs.connected != 1 {
		t.Fatalf("expected one Connected callback each side")
	}
}

func TestSendMsgDeliversToPeer(t *testing.T) {
	client, server, _, serverObs := dialPair(t)
	defer client.Close()
	defer server.Close()

	body := []byte("GetEndpointsRequest placeholder body")
	if _, err := client.SendMsg(body, 42); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for serverObs.msgCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server to receive message")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDisconnectIsIdempotentAndNotifiesObserver(t *testing.T) {
	client, server, clientObs, _ := dialPair(t)
	defer server.Close()

	client.Disconnect()
	client.Disconnect() // second call must be a no-op, not a panic or double-notify

	if clientObs.disconnectCount() != 1 {
		t.Fatalf("expected exactly one Disconnected callback, got %d", clientObs.disconnectCount())
	}
}

func TestRequestTableDrainNotifiesSendFailureOnClose(t *testing.T) {
	rt := newRequestTable()
	id1 := rt.register(11, "MSG")
	id2 := rt.register(22, "MSG")
	if rt.len() != 2 {
		t.Fatalf("expected 2 pending requests, got %d", rt.len())
	}

	var drained []uint32
	rt.drain(func(ctx *chunk.SentRequestContext) {
		drained = append(drained, ctx.RequestHandle)
	})
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained requests, got %d", len(drained))
	}
	if rt.len() != 0 {
		t.Fatalf("expected table empty after drain, got %d", rt.len())
	}
	if _, ok := rt.complete(id1); ok {
		t.Fatalf("id1 should no longer be completable after drain")
	}
	if _, ok := rt.complete(id2); ok {
		t.Fatalf("id2 should no longer be completable after drain")
	}
}

func TestRequestTableMarkTimedOutKeepsSlotForLateCompletion(t *testing.T) {
	rt := newRequestTable()
	id := rt.register(1, "MSG")

	ctx, ok := rt.markTimedOut(id)
	if !ok {
		t.Fatalf("expected markTimedOut to find the pending request")
	}
	if !ctx.TimeoutExpired {
		t.Fatalf("expected TimeoutExpired set")
	}

	// A late response should still be recognized (and the caller silently
	// discards it by checking TimeoutExpired), not treated as unknown.
	late, ok := rt.complete(id)
	if !ok {
		t.Fatalf("expected late completion to still find the slot")
	}
	if !late.TimeoutExpired {
		t.Fatalf("expected completed context to carry TimeoutExpired")
	}
}

func TestTimerHandleCancelIsIdempotentAndRaceFree(t *testing.T) {
	c := &Connection{}
	fired := make(chan struct{}, 1)
	h := c.armTimer(10*time.Millisecond, func() { fired <- struct{}{} })
	h.cancel()
	h.cancel() // must not panic on a second cancel

	select {
	case <-fired:
		t.Fatalf("cancelled timer must not fire")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	states := []State{StateClosed, StateTcpInit, StateTcpReverseInit, StateTcpNegotiate,
		StateScInit, StateScConnecting, StateScConnected, StateScConnectedRenew}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if str == "Unknown" {
			t.Fatalf("state %d missing from String()", s)
		}
		seen[str] = true
	}
	if len(seen) != len(states) {
		t.Fatalf("expected %d distinct names, got %d", len(states), len(seen))
	}
}
