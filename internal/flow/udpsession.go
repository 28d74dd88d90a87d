package flow

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/miekg/dns"

	"vlesstun/internal/packet"
)

const (
	// udpSessionTTL is how long an idle UDP session is kept before the
	// janitor evicts it (spec.md §4.4/§5). Any datagram refreshes it.
	udpSessionTTL = 60 * time.Second
	// udpJanitorInterval is how often go-cache sweeps for expired entries.
	udpJanitorInterval = 30 * time.Second
	// udpReadTimeout bounds each read from the bypassed outbound socket so
	// the receive goroutine can notice the session was evicted.
	udpReadTimeout = 5 * time.Second
	// dnsPort is tagged for diagnostic logging only (spec.md §4.4 supplement).
	dnsPort = 53
)

// UDPDialFunc opens a bypassed outbound UDP socket to destIP:destPort.
// Unlike TCP, UDP datagrams are relayed directly (spec.md §9 Open Question:
// UDP stays direct-bypass, not tunneled over VLESS).
type UDPDialFunc func(ctx context.Context, destIP [4]byte, destPort uint16) (net.Conn, error)

// UDPSession is one direct-bypass UDP flow (spec.md §4.4).
type UDPSession struct {
	key    UDPKey
	conn   net.Conn
	writer PacketWriter
	stats  StatsSink
	table  *UDPTable

	closeOnce sync.Once
	done      chan struct{}
}

// UDPTable tracks live UDP sessions with an idle TTL, backed by
// github.com/patrickmn/go-cache's built-in janitor sweep (spec.md §5).
type UDPTable struct {
	cache *gocache.Cache
	dial  UDPDialFunc

	mu    sync.Mutex
	byKey map[UDPKey]*UDPSession
}

// NewUDPTable constructs a table whose sessions dial out via dial.
func NewUDPTable(dial UDPDialFunc) *UDPTable {
	t := &UDPTable{
		cache: gocache.New(udpSessionTTL, udpJanitorInterval),
		dial:  dial,
		byKey: make(map[UDPKey]*UDPSession),
	}
	t.cache.OnEvicted(func(k string, v interface{}) {
		sess, ok := v.(*UDPSession)
		if !ok {
			return
		}
		t.mu.Lock()
		delete(t.byKey, sess.key)
		t.mu.Unlock()
		sess.close()
	})
	return t
}

// Handle forwards a UDP datagram read off the TUN, creating the session's
// outbound socket on first sight of the 4-tuple.
func (t *UDPTable) Handle(key UDPKey, dgram packet.UDPDatagram, writer PacketWriter, stats StatsSink) {
	sessionKey := key.String()

	t.mu.Lock()
	sess, ok := t.byKey[key]
	t.mu.Unlock()

	if !ok {
		var err error
		sess, err = t.newSession(key, writer, stats)
		if err != nil {
			slog.Warn("flow: dialing UDP session failed", "session", key, "error", err)
			return
		}
	} else {
		t.cache.Set(sessionKey, sess, gocache.DefaultExpiration)
	}

	if dgram.DstPort == dnsPort {
		logDNSQuestion(key, dgram.Payload)
	}

	if _, err := sess.conn.Write(dgram.Payload); err != nil {
		slog.Warn("flow: writing UDP datagram failed", "session", key, "error", err)
		return
	}
	stats.AddBytesOut(uint64(len(dgram.Payload)))
}

// logDNSQuestion decodes a DNS query for debug logging only; it never
// shapes forwarding decisions (spec.md §9 Open Question: UDP/53 stays
// direct-bypass like any other UDP datagram).
func logDNSQuestion(key UDPKey, payload []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil || len(msg.Question) == 0 {
		slog.Debug("flow: UDP datagram to port 53 tagged as DNS", "session", key, "bytes", len(payload))
		return
	}
	q := msg.Question[0]
	slog.Debug("flow: DNS query observed", "session", key, "name", q.Name, "qtype", dns.TypeToString[q.Qtype])
}

func (t *UDPTable) newSession(key UDPKey, writer PacketWriter, stats StatsSink) (*UDPSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	conn, err := t.dial(ctx, key.DstIP, key.DstPort)
	if err != nil {
		return nil, err
	}

	sess := &UDPSession{
		key:    key,
		conn:   conn,
		writer: writer,
		stats:  stats,
		table:  t,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.byKey[key] = sess
	t.mu.Unlock()
	t.cache.Set(key.String(), sess, gocache.DefaultExpiration)

	go sess.recvLoop()

	return sess, nil
}

// recvLoop reads replies off the bypassed socket and synthesizes UDP/IPv4
// packets back toward the host.
func (s *UDPSession) recvLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(udpReadTimeout)); err != nil {
			return
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		// Inbound traffic keeps the session alive just like outbound does
		// (spec.md §3/§4.4: activity in either direction resets the TTL).
		s.table.cache.Set(s.key.String(), s, gocache.DefaultExpiration)

		udpSeg := packet.BuildUDP(s.key.DstIP, s.key.SrcIP, s.key.DstPort, s.key.SrcPort, buf[:n])
		reply := packet.BuildIPv4(s.key.DstIP, s.key.SrcIP, packet.ProtoUDP, udpSeg)
		if err := s.writer.WritePacket(reply); err != nil {
			slog.Warn("flow: writing UDP reply failed", "session", s.key, "error", err)
			continue
		}
		s.stats.AddBytesIn(uint64(n))
	}
}

func (s *UDPSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Len reports the number of live sessions.
func (t *UDPTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Close tears down every live session, for use during supervisor shutdown.
func (t *UDPTable) Close() {
	t.mu.Lock()
	sessions := make([]*UDPSession, 0, len(t.byKey))
	for _, s := range t.byKey {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
