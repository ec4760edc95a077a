package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
	"github.com/alxayo/opcua-sc/internal/opcua/scsm"
	"github.com/alxayo/opcua-sc/internal/opcua/slsm"
)

func TestCollectReportsRegisteredListener(t *testing.T) {
	c := NewCollector("test")

	l := slsm.New(slsm.EndpointConfig{
		EndpointURL: "opc.tcp://127.0.0.1:0",
		Listens:     true,
		ListenAddr:  "127.0.0.1:0",
		Server: scsm.ServerConfig{
			PolicyURI: crypto.PolicyNone,
			Mode:      crypto.ModeNone,
		},
	}, slsm.NopObserver{}, scsm.NopObserver{})
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	c.AddListener(l, "test-endpoint")

	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)

	var got int
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got++
	}
	if got != 2 {
		t.Fatalf("expected 2 metrics (state + connections), got %d", got)
	}
}

func TestRemoveListenerStopsReporting(t *testing.T) {
	c := NewCollector("test")
	l := slsm.New(slsm.EndpointConfig{EndpointURL: "opc.tcp://x", Listens: false}, slsm.NopObserver{}, scsm.NopObserver{})
	_ = l.Open()
	defer l.Close()

	c.AddListener(l, "x")
	c.RemoveListener(l)

	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 0 {
		t.Fatalf("expected no metrics after RemoveListener, got %d", count)
	}
}
