// Package metrics exposes live SLSM/SCSM state as Prometheus metrics via a
// custom prometheus.Collector, modeled on runZeroInc-conniver's
// exporter.TCPInfoCollector: a fixed set of *prometheus.Desc built once at
// construction time, and a Collect pass that walks currently-registered
// listeners on every scrape rather than pushing updates eagerly.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alxayo/opcua-sc/internal/opcua/slsm"
)

// Collector reports one gauge set per registered endpoint listener:
// lifecycle state and live connection count. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	listeners map[*slsm.Listener]string // listener -> endpoint label

	stateDesc *prometheus.Desc
	connsDesc *prometheus.Desc
}

// NewCollector builds the fixed metric descriptions under prefix (e.g.
// "opcua_sc"), matching exporter.NewTCPInfoCollector's prefix convention.
func NewCollector(prefix string) *Collector {
	return &Collector{
		listeners: make(map[*slsm.Listener]string),
		stateDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_endpoint_state", prefix),
			"Secure listener lifecycle state (0=Closed 1=Opening 2=Opened 3=Inactive).",
			[]string{"endpoint"}, nil,
		),
		connsDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_endpoint_connections", prefix),
			"Number of live secure connections owned by this endpoint.",
			[]string{"endpoint"}, nil,
		),
	}
}

// AddListener registers l for scraping under its configured endpoint label.
func (c *Collector) AddListener(l *slsm.Listener, endpointLabel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[l] = endpointLabel
}

// RemoveListener stops scraping l, e.g. after EpClose.
func (c *Collector) RemoveListener(l *slsm.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, l)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.stateDesc
	descs <- c.connsDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for l, label := range c.listeners {
		metrics <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(l.State()), label)
		metrics <- prometheus.MustNewConstMetric(c.connsDesc, prometheus.GaugeValue, float64(l.ConnectionCount()), label)
	}
}
