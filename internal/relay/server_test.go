package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/podlab/internal/metrics"
)

type testServer struct {
	*Server
	cfg  ServerConfig
	addr string
	m    *metrics.Relay
}

func serverConfig(t *testing.T) ServerConfig {
	dir := t.TempDir()
	return ServerConfig{
		ListenAddr:            "127.0.0.1:0",
		Socket:                filepath.Join(dir, "relay.sock"),
		ClientConnectedSocket: filepath.Join(dir, "connected.sock"),
	}
}

func startServer(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	m := metrics.NewRelay()
	s := NewServer(cfg, m, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Socket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return &testServer{Server: s, cfg: cfg, addr: ln.Addr().String(), m: m}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws://"+ts.addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func (ts *testServer) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.Registry().Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func signal(t *testing.T, path, token string) {
	t.Helper()
	conn, err := net.Dial("unixgram", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(token + "\n"))
	require.NoError(t, err)
}

func readToken(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func TestServer_BroadcastsSignalToAllClients(t *testing.T) {
	ts := startServer(t, serverConfig(t))
	a, b := ts.dial(t), ts.dial(t)
	ts.waitConnections(t, 2)

	signal(t, ts.cfg.Socket, "sync")

	assert.Equal(t, "sync", readToken(t, a))
	assert.Equal(t, "sync", readToken(t, b))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.m.Broadcasts))
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.m.Connections))
}

func TestServer_DropsClosedConnection(t *testing.T) {
	ts := startServer(t, serverConfig(t))
	a := ts.dial(t)
	b := ts.dial(t)
	ts.waitConnections(t, 2)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))
	ts.waitConnections(t, 1)

	signal(t, ts.cfg.Socket, "terminate")
	assert.Equal(t, "terminate", readToken(t, b))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.m.Connections))
}

func TestServer_ConnectedNotificationFiresOnce(t *testing.T) {
	cfg := serverConfig(t)
	notify, err := net.ListenPacket("unixgram", cfg.ClientConnectedSocket)
	require.NoError(t, err)
	defer notify.Close()

	ts := startServer(t, cfg)
	ts.dial(t)

	buf := make([]byte, 64)
	require.NoError(t, notify.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := notify.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, TokenConnected, string(buf[:n]))

	ts.dial(t)
	ts.waitConnections(t, 2)
	require.NoError(t, notify.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = notify.ReadFrom(buf)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "expected no second notification, got %v", err)
}

func TestServer_NoNotificationWithoutSocket(t *testing.T) {
	ts := startServer(t, serverConfig(t))
	ts.dial(t)
	ts.waitConnections(t, 1)
	_, err := os.Stat(ts.cfg.ClientConnectedSocket)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestServer_BroadcastWithoutClients(t *testing.T) {
	ts := startServer(t, serverConfig(t))
	assert.Equal(t, 0, ts.Broadcast(context.Background(), "sync"))
}

func TestServer_Healthz(t *testing.T) {
	ts := startServer(t, serverConfig(t))
	resp, err := http.Get("http://" + ts.addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + ts.addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	cfg := serverConfig(t)
	require.NoError(t, os.WriteFile(cfg.Socket, []byte("stale"), 0600))

	ts := startServer(t, cfg)
	c := ts.dial(t)
	ts.waitConnections(t, 1)
	signal(t, cfg.Socket, "sync")
	assert.Equal(t, "sync", readToken(t, c))
}
