package wstunnel

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlesstun/internal/bypass"
	"vlesstun/internal/config"
)

func newTestRelay(t *testing.T, onFrame func(data []byte) []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply := onFrame(data)
			if reply == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	}))
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) *config.TunnelConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.TunnelConfig{
		Server:   host,
		Port:     port,
		WSPath:   "/",
		WSHost:   host,
		Security: config.SecurityNone,
	}
}

func TestConnectSendsHeaderFusedWithEarlyData(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newTestRelay(t, func(data []byte) []byte {
		received <- data
		return []byte{0x00, 0x00, 'o', 'k'}
	})
	defer srv.Close()

	tun := New(testConfig(t, srv), bypass.Noop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tun.Connect(ctx, "example.com", 443, []byte("early"))
	require.NoError(t, err)
	defer tun.Close()

	select {
	case frame := <-received:
		assert.Equal(t, byte(0x00), frame[0])
		assert.True(t, strings.HasSuffix(string(frame), "early"))
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received a frame")
	}

	select {
	case chunk := <-tun.Recv():
		assert.Equal(t, []byte("ok"), chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never delivered the stripped response")
	}
}

func TestSendPrefixesHeaderOnlyOnce(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := newTestRelay(t, func(data []byte) []byte {
		frames <- data
		return nil
	})
	defer srv.Close()

	tun := New(testConfig(t, srv), bypass.Noop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tun.Connect(ctx, "example.com", 443, nil))
	defer tun.Close()

	require.NoError(t, tun.Send([]byte("first")))
	require.NoError(t, tun.Send([]byte("second")))

	first := <-frames
	second := <-frames

	assert.Greater(t, len(first), len("first"))
	assert.Equal(t, []byte("second"), second)
}
