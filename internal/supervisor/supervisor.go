// Package supervisor owns the tunnel's whole-process lifecycle (spec.md
// §4.8): bringing up the TUN device and demultiplexer, serving diagnostics,
// and tearing everything down exactly once on Stop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"vlesstun/internal/bypass"
	"vlesstun/internal/config"
	"vlesstun/internal/demux"
	"vlesstun/internal/flow"
	"vlesstun/internal/tun"
	"vlesstun/internal/wstunnel"
)

// statsPollInterval is how often the supervisor refreshes the
// flow/session-count gauges from the live tables.
const statsPollInterval = 5 * time.Second

// Supervisor wires the TUN device, the demultiplexer, the diagnostics HTTP
// server, and the bypass predicate into one process lifecycle. Start and
// Stop are each idempotent (spec.md §4.8 invariant).
type Supervisor struct {
	daemonCfg *config.DaemonConfig
	tunnelCfg *config.TunnelConfig
	bypassFn  bypass.Func

	stats *PromStats

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time

	device    *tun.Device
	engine    *demux.Engine
	httpSrv   *http.Server
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New constructs a Supervisor. It does not touch the network or the TUN
// device until Start is called.
func New(daemonCfg *config.DaemonConfig, tunnelCfg *config.TunnelConfig) *Supervisor {
	bypassFn := bypass.Noop
	if daemonCfg.BypassEnabled {
		bypassFn = bypass.Default()
	}

	return &Supervisor{
		daemonCfg: daemonCfg,
		tunnelCfg: tunnelCfg,
		bypassFn:  bypassFn,
		stats:     NewPromStats(prometheus.DefaultRegisterer),
		runDone:   make(chan struct{}),
	}
}

// Start opens the TUN device, launches the demultiplexer's read loop, and
// serves diagnostics. Calling Start twice is a no-op on the second call.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startTime = time.Now()
	s.mu.Unlock()

	device, err := tun.Open(s.daemonCfg.TunName, s.tunnelCfg.EffectiveMTU())
	if err != nil {
		return fmt.Errorf("supervisor: opening TUN device: %w", err)
	}
	s.device = device

	engine := demux.New(device, s.dialTCP, s.dialUDP, s.stats)
	s.engine = engine

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel

	go func() {
		defer close(s.runDone)
		if err := engine.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("supervisor: demultiplexer loop exited unexpectedly", "error", err)
		}
	}()

	go s.pollStats(runCtx)

	if s.daemonCfg.DiagnosticsAddr != "" {
		s.httpSrv = &http.Server{
			Addr:              s.daemonCfg.DiagnosticsAddr,
			Handler:           newDiagRouter(s),
			ReadHeaderTimeout: httpReadHeaderTimeout,
		}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("supervisor: diagnostics server exited", "error", err)
			}
		}()
	}

	slog.Info("supervisor: started", "tun", s.daemonCfg.TunName, "diag_addr", s.daemonCfg.DiagnosticsAddr)
	return nil
}

// Stop tears down every live flow/session, the demultiplexer, the TUN
// device, and the diagnostics server, aggregating every failure into one
// error. Idempotent: a second call returns nil immediately.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var result *multierror.Error

	if s.runCancel != nil {
		s.runCancel()
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutting down diagnostics server: %w", err))
		}
	}

	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing demultiplexer: %w", err))
		}
	}

	select {
	case <-s.runDone:
	case <-time.After(5 * time.Second):
		slog.Warn("supervisor: demultiplexer loop did not exit within grace period")
	}

	slog.Info("supervisor: stopped")
	return result.ErrorOrNil()
}

// dialTCP opens a VLESS-over-WebSocket tunnel for a new TCP flow (spec.md
// §4.3/§4.7).
func (s *Supervisor) dialTCP(ctx context.Context, destIP [4]byte, destPort uint16, earlyData []byte) (flow.TunnelHandle, error) {
	t := wstunnel.New(s.tunnelCfg, s.bypassFn)
	host := net.IP(destIP[:]).String()
	if err := t.Connect(ctx, host, destPort, earlyData); err != nil {
		return nil, err
	}
	return t, nil
}

// dialUDP opens a bypassed direct UDP socket for a new session (spec.md
// §4.4, §9 Open Question: UDP is never tunneled over VLESS).
func (s *Supervisor) dialUDP(ctx context.Context, destIP [4]byte, destPort uint16) (net.Conn, error) {
	dialer := net.Dialer{}
	addr := fmt.Sprintf("%s:%d", net.IP(destIP[:]).String(), destPort)
	conn, err := dialer.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	if !bypass.Apply(conn, s.bypassFn) {
		slog.Debug("supervisor: UDP bypass predicate declined or unavailable", "addr", addr)
	}
	return conn, nil
}

func (s *Supervisor) pollStats(ctx context.Context) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.engine == nil {
				continue
			}
			s.stats.SetTCPFlows(s.engine.TCPTable().Len())
			s.stats.SetUDPSessions(s.engine.UDPTable().Len())
		}
	}
}

func (s *Supervisor) healthStatus() HealthStatus {
	tcpFlows, udpSessions := 0, 0
	if s.engine != nil {
		tcpFlows = s.engine.TCPTable().Len()
		udpSessions = s.engine.UDPTable().Len()
	}
	return HealthStatus{
		Healthy:       s.started && !s.stopped,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		TCPFlows:      tcpFlows,
		UDPSessions:   udpSessions,
		BytesIn:       s.stats.BytesIn(),
		BytesOut:      s.stats.BytesOut(),
	}
}
