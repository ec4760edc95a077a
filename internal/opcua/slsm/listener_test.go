package slsm

import (
	"sync"
	"testing"
	"time"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/scsm"
)

type recordingEndpointObserver struct {
	mu      sync.Mutex
	opened  int
	closed  int
}

func (o *recordingEndpointObserver) EndpointOpened(*Listener) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}
func (o *recordingEndpointObserver) EndpointClosed(*Listener) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

type recordingConnObserver struct {
	mu           sync.Mutex
	connected    int
	disconnected int
}

func (o *recordingConnObserver) Connected(*scsm.Connection) {
	o.mu.Lock()
	o.connected++
	o.mu.Unlock()
}
func (o *recordingConnObserver) Disconnected(*scsm.Connection, protoerr.StatusCode) {
	o.mu.Lock()
	o.disconnected++
	o.mu.Unlock()
}
func (o *recordingConnObserver) ConnectionTimeout(*scsm.Connection)              {}
func (o *recordingConnObserver) RcvMsg(*scsm.Connection, []byte, uint32)         {}
func (o *recordingConnObserver) SendFailure(*scsm.Connection, uint32, protoerr.StatusCode) {}
func (o *recordingConnObserver) RequestTimeout(*scsm.Connection, uint32)         {}

func (o *recordingConnObserver) connectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

func (o *recordingConnObserver) disconnectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected
}

func newTestEndpoint(t *testing.T) (*Listener, *recordingEndpointObserver, *recordingConnObserver) {
	t.Helper()
	epObs := &recordingEndpointObserver{}
	connObs := &recordingConnObserver{}
	l := New(EndpointConfig{
		EndpointURL: "opc.tcp://127.0.0.1:0",
		Listens:     true,
		ListenAddr:  "127.0.0.1:0",
		Server: scsm.ServerConfig{
			PolicyURI: crypto.PolicyNone,
			Mode:      crypto.ModeNone,
		},
	}, epObs, connObs)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, epObs, connObs
}

func TestOpenAcceptsConnectionIntoTable(t *testing.T) {
	l, epObs, connObs := newTestEndpoint(t)
	defer l.Close()

	if l.State() != StateOpened {
		t.Fatalf("state = %s, want Opened", l.State())
	}
	if epObs.opened != 1 {
		t.Fatalf("expected one EndpointOpened callback")
	}

	cli, err := scsm.Connect(scsm.ClientConfig{
		EndpointURL: "opc.tcp://" + l.Addr().String(),
		PolicyURI:   crypto.PolicyNone,
		Mode:        crypto.ModeNone,
	}, scsm.NopObserver{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cli.Close()

	deadline := time.After(2 * time.Second)
	for l.ConnectionCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server-side connection to register")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if connObs.connectedCount() != 1 {
		t.Fatalf("expected one Connected callback, got %d", connObs.connectedCount())
	}
}

func TestCloseTearsDownChildConnectionsAndIsIdempotent(t *testing.T) {
	l, _, connObs := newTestEndpoint(t)

	cli, err := scsm.Connect(scsm.ClientConfig{
		EndpointURL: "opc.tcp://" + l.Addr().String(),
		PolicyURI:   crypto.PolicyNone,
		Mode:        crypto.ModeNone,
	}, scsm.NopObserver{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cli.Close()

	deadline := time.After(2 * time.Second)
	for l.ConnectionCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for server-side connection to register")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil { // second call must be a no-op, not a panic
		t.Fatalf("second Close: %v", err)
	}
	if l.ConnectionCount() != 0 {
		t.Fatalf("expected connection table empty after Close, got %d", l.ConnectionCount())
	}
	if connObs.disconnectedCount() != 1 {
		t.Fatalf("expected one Disconnected callback, got %d", connObs.disconnectedCount())
	}
}

func TestAllocateChannelIDNonZeroAndLiveIDTracked(t *testing.T) {
	l, _, _ := newTestEndpoint(t)
	defer l.Close()

	id, err := l.AllocateChannelID()
	if err != nil {
		t.Fatalf("AllocateChannelID: %v", err)
	}
	if id == 0 {
		t.Fatalf("allocated id must be non-zero")
	}

	l.mu.Lock()
	l.channelIDs[id] = true
	l.mu.Unlock()

	// AllocateChannelID draws a random id, so a collision cannot be forced
	// here; this checks the bookkeeping its collision check reads: an id
	// marked live is reported as in use.
	l.mu.RLock()
	inUse := l.channelIDs[id]
	l.mu.RUnlock()
	if !inUse {
		t.Fatalf("expected id %d to be tracked as in use", id)
	}
}

func TestInactiveEndpointNeverListens(t *testing.T) {
	connObs := &recordingConnObserver{}
	l := New(EndpointConfig{
		EndpointURL: "opc.tcp://reverse-only",
		Listens:     false,
	}, &recordingEndpointObserver{}, connObs)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if l.State() != StateInactive {
		t.Fatalf("state = %s, want Inactive", l.State())
	}
	if l.Addr() != nil {
		t.Fatalf("expected no listening address for an inactive endpoint")
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	states := []State{StateClosed, StateOpening, StateOpened, StateInactive}
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
