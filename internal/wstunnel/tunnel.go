// Package wstunnel implements the VLESS-over-WebSocket tunnel (spec.md
// §4.7): one WebSocket connection per TCP flow, carrying a VLESS v0 request
// header merged with the first host payload, and a response header
// stripped from the relay's first reply frame.
package wstunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vlesstun/internal/bypass"
	"vlesstun/internal/config"
	"vlesstun/internal/vless"
)

const (
	// connectTimeout bounds the WebSocket handshake (spec.md §5).
	connectTimeout = 15 * time.Second
	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 15 * time.Second
	// pingInterval is how often the tunnel sends WebSocket ping frames.
	pingInterval = 20 * time.Second
	// readIdleTimeout closes the tunnel if no inbound frame arrives within
	// this window (spec.md §4.7/§5).
	readIdleTimeout = 30 * time.Second
	// inboundQueueSize bounds the reader's frame queue (spec.md §4.7).
	inboundQueueSize = 1000
	// inboundOfferTimeout is how long the reader blocks trying to enqueue a
	// frame before dropping it (spec.md §4.7/§7 backpressure-overflow).
	inboundOfferTimeout = 100 * time.Millisecond

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// State is the tunnel's lifecycle per spec.md §3.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// Tunnel is a single VLESS-over-WebSocket connection scoped to one TCP
// flow. Its zero value is not usable; construct with New.
type Tunnel struct {
	cfg      *config.TunnelConfig
	bypassFn bypass.Func

	state atomic.Int32

	mu         sync.Mutex
	conn       *websocket.Conn
	headerSent bool
	destHost   string
	destPort   uint16
	command    byte

	firstResponseConsumed atomic.Bool

	inbound chan []byte
	closed  chan struct{}
	closeOnce sync.Once

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New constructs a Tunnel bound to cfg. bypassFn is applied to the
// underlying socket at dial time (spec.md §3 invariant, §6).
func New(cfg *config.TunnelConfig, bypassFn bypass.Func) *Tunnel {
	if bypassFn == nil {
		bypassFn = bypass.Noop
	}
	return &Tunnel{
		cfg:      cfg,
		bypassFn: bypassFn,
		inbound:  make(chan []byte, inboundQueueSize),
		closed:   make(chan struct{}),
		command:  vless.CommandTCP,
	}
}

// Connect dials the relay's WebSocket endpoint and emits the VLESS request
// header. If earlyData is non-empty it is fused into the same binary frame
// as the header (spec.md §4.3/§4.7 first-data merging); otherwise
// headerSent stays false so the first Send call prefixes the header.
func (t *Tunnel) Connect(ctx context.Context, destHost string, destPort uint16, earlyData []byte) error {
	t.destHost = destHost
	t.destPort = destPort

	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		NetDialContext:   t.dialBypassed,
	}

	if t.cfg.Security == config.SecurityTLS {
		dialer.TLSClientConfig = &tls.Config{
			ServerName:         t.cfg.SNI,
			InsecureSkipVerify: !t.cfg.VerifyTLS,
			MinVersion:         tls.VersionTLS12,
		}
	}

	header := http.Header{}
	header.Set("Host", t.cfg.WSHost)
	header.Set("User-Agent", userAgent)
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(connectCtx, t.cfg.WebSocketURL(), header)
	if err != nil {
		return fmt.Errorf("wstunnel: dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if len(earlyData) > 0 {
		if err := t.sendLocked(earlyData); err != nil {
			_ = conn.Close()
			return fmt.Errorf("wstunnel: sending early data: %w", err)
		}
	}

	t.state.Store(int32(StateOpen))

	go t.readLoop()
	go t.pingLoop()

	return nil
}

// dialBypassed dials a raw TCP connection and applies the bypass predicate
// before gorilla/websocket layers TLS (when configured) on top of it, so
// the invariant in spec.md §3/§4.7 ("applied to every outbound socket,
// plain and TLS") holds for both transports.
func (t *Tunnel) dialBypassed(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if !bypass.Apply(conn, t.bypassFn) {
		slog.Warn("wstunnel: bypass predicate declined or unavailable for outbound socket", "addr", addr)
	}
	return conn, nil
}

// Send writes b as a single WebSocket binary frame, prefixing the VLESS
// request header the first time it is called with no prior early data
// (spec.md §4.7).
func (t *Tunnel) Send(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(b)
}

func (t *Tunnel) sendLocked(payload []byte) error {
	if t.conn == nil {
		return fmt.Errorf("wstunnel: send before connect")
	}

	frame := payload
	if !t.headerSent {
		header, err := vless.BuildRequestHeader(t.cfg.UUID, t.destHost, t.destPort, t.command)
		if err != nil {
			return fmt.Errorf("wstunnel: building request header: %w", err)
		}
		frame = append(header, payload...)
		t.headerSent = true
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("wstunnel: setting write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("wstunnel: write failed: %w", err)
	}

	t.bytesOut.Add(uint64(len(payload)))
	return nil
}

// Recv returns the channel of inbound byte chunks. The first non-empty
// chunk has its VLESS response header stripped (spec.md §4.6/§8). The
// channel is closed when the tunnel closes, fails, or idles past
// readIdleTimeout.
func (t *Tunnel) Recv() <-chan []byte {
	return t.inbound
}

// Done reports the tunnel's closed signal.
func (t *Tunnel) Done() <-chan struct{} {
	return t.closed
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	return State(t.state.Load())
}

// BytesIn is the cumulative payload bytes delivered tunnel -> host.
func (t *Tunnel) BytesIn() uint64 { return t.bytesIn.Load() }

// BytesOut is the cumulative payload bytes delivered host -> tunnel.
func (t *Tunnel) BytesOut() uint64 { return t.bytesOut.Load() }

func (t *Tunnel) readLoop() {
	// readLoop is the only sender on t.inbound, so it closes the channel on
	// exit; deferred calls run in reverse, so Done is closed first.
	defer close(t.inbound)
	defer t.Close()

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			slog.Warn("wstunnel: setting read deadline failed", "error", err)
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("wstunnel: read loop ending", "error", err)
			return
		}
		if len(data) == 0 {
			continue
		}

		if !t.firstResponseConsumed.Swap(true) {
			stripped, err := vless.StripResponseHeader(data)
			if err != nil {
				slog.Warn("wstunnel: stripping response header failed", "error", err)
				return
			}
			data = stripped
			if len(data) == 0 {
				continue
			}
		}

		t.bytesIn.Add(uint64(len(data)))
		t.offer(data)
	}
}

// offer places data on the inbound queue, dropping it with a logged
// warning if the queue is still full after inboundOfferTimeout (spec.md
// §4.7/§7 backpressure-overflow).
func (t *Tunnel) offer(data []byte) {
	select {
	case t.inbound <- data:
	case <-time.After(inboundOfferTimeout):
		slog.Warn("wstunnel: inbound queue full, dropping frame", "bytes", len(data))
	}
}

func (t *Tunnel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if err := t.pingLocked(); err != nil {
				return
			}
		}
	}
}

// pingLocked writes a ping frame under t.mu so it never interleaves with a
// concurrent Send's WriteMessage call on the same connection; gorilla/
// websocket allows at most one writer goroutine at a time.
func (t *Tunnel) pingLocked() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("wstunnel: ping before connect")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close initiates an orderly WebSocket close (code 1000). Idempotent.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.state.Store(int32(StateClosed))
		close(t.closed)

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = conn.Close()
		}
	})
	return err
}
