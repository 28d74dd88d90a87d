package supervisor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PromStats is the default flow.StatsSink: it both exports Prometheus
// counters and keeps plain atomic totals for the diagnostics JSON endpoint
// and for tests that don't want to scrape /metrics (spec.md §4.8).
type PromStats struct {
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	bytesInTotal  prometheus.Counter
	bytesOutTotal prometheus.Counter
	tcpFlows      prometheus.Gauge
	udpSessions   prometheus.Gauge
}

// NewPromStats constructs a PromStats and registers its collectors with reg.
func NewPromStats(reg prometheus.Registerer) *PromStats {
	s := &PromStats{
		bytesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vlesstun_bytes_in_total",
			Help: "Cumulative payload bytes relayed from the remote peer to the tunnel host.",
		}),
		bytesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vlesstun_bytes_out_total",
			Help: "Cumulative payload bytes relayed from the tunnel host to the remote peer.",
		}),
		tcpFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vlesstun_tcp_flows",
			Help: "Number of currently active synthetic TCP flows.",
		}),
		udpSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vlesstun_udp_sessions",
			Help: "Number of currently active direct-bypass UDP sessions.",
		}),
	}
	reg.MustRegister(s.bytesInTotal, s.bytesOutTotal, s.tcpFlows, s.udpSessions)
	return s
}

// AddBytesIn implements flow.StatsSink.
func (s *PromStats) AddBytesIn(n uint64) {
	s.bytesIn.Add(n)
	s.bytesInTotal.Add(float64(n))
}

// AddBytesOut implements flow.StatsSink.
func (s *PromStats) AddBytesOut(n uint64) {
	s.bytesOut.Add(n)
	s.bytesOutTotal.Add(float64(n))
}

// SetTCPFlows publishes the live flow count, polled by the supervisor.
func (s *PromStats) SetTCPFlows(n int) { s.tcpFlows.Set(float64(n)) }

// SetUDPSessions publishes the live session count.
func (s *PromStats) SetUDPSessions(n int) { s.udpSessions.Set(float64(n)) }

// BytesIn returns the cumulative tunnel->host byte count.
func (s *PromStats) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the cumulative host->tunnel byte count.
func (s *PromStats) BytesOut() uint64 { return s.bytesOut.Load() }
