package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/bridge/pkg/dispatch"
	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

const testWait = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Logger = quietLogger()
	cfg.ConnConfig.WriteTimeout = time.Second
	cfg.ConnConfig.HandshakeTimeout = time.Second
	cfg.ConnConfig.CloseTimeout = time.Second
	return cfg
}

// newTestServer returns a server over a fresh registry with one window.
func newTestServer(t *testing.T, cfg *ServerConfig) (*Server, registry.WindowID) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	reg := registry.New(cfg.Logger)
	srv := New(reg, dispatch.New(reg, dispatch.WithLogger(cfg.Logger)), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, reg.CreateWindow()
}

// testClient speaks the frame protocol over one end of a net.Pipe.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	dec      *protocol.StreamDecoder
	buf      []byte
	clientID string
	served   chan error
}

func dialPipe(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(serverSide) }()
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{
		t:      t,
		conn:   clientSide,
		dec:    protocol.NewStreamDecoder(0),
		buf:    make([]byte, 4096),
		served: served,
	}
}

// connect dials and completes the handshake for window id.
func connect(t *testing.T, srv *Server, id registry.WindowID) *testClient {
	t.Helper()
	c := dialPipe(t, srv)
	sh := c.hello(uint64(id), srv.config.Token)
	require.Equal(t, protocol.HandshakeOK, sh.Status, "handshake status")
	require.NotEmpty(t, sh.ClientID)
	require.Equal(t, uint64(id), sh.WindowID)
	c.clientID = sh.ClientID
	return c
}

func (c *testClient) hello(windowID uint64, token string) *protocol.ServerHello {
	c.t.Helper()
	c.send(protocol.NewClientHelloMessage(windowID, token))
	msg := c.recv()
	require.Equal(c.t, protocol.KindHandshake, msg.Kind)
	sh, err := protocol.DecodeServerHello(msg.Payload)
	require.NoError(c.t, err)
	return sh
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	c.write(protocol.Encode(m))
}

func (c *testClient) write(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(testWait)))
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *testClient) call(corr uint32, name string, args ...any) {
	c.t.Helper()
	msg, err := protocol.NewCallMessage(corr, name, args...)
	require.NoError(c.t, err)
	c.send(msg)
}

func (c *testClient) recv() *protocol.Message {
	c.t.Helper()
	msg, err := c.tryRecv(testWait)
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) tryRecv(d time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(d)
	for {
		msg, err := c.dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.dec.Feed(c.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// expectClosed asserts the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.tryRecv(testWait)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("connection not closed within %s", testWait)
		}
		return
	}
}

func (c *testClient) expectResponse(corr uint32) protocol.Value {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, protocol.KindResponse, msg.Kind, "frame kind")
	require.Equal(c.t, corr, msg.CorrelationID)
	v, err := protocol.DecodeValue(msg.Payload)
	require.NoError(c.t, err)
	return v
}

func (c *testClient) expectError(corr uint32) *protocol.ErrorPayload {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, protocol.KindError, msg.Kind, "frame kind")
	require.Equal(c.t, corr, msg.CorrelationID)
	ep, err := protocol.DecodeError(msg.Payload)
	require.NoError(c.t, err)
	return ep
}

func bindAdd(t *testing.T, reg *registry.Registry, id registry.WindowID) {
	t.Helper()
	require.NoError(t, reg.Bind(id, "add", func(ctx context.Context, call *registry.Call) (any, error) {
		a, err := call.Int(0)
		if err != nil {
			return nil, err
		}
		b, err := call.Int(1)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	}, registry.WithArity(2)))
}

func argInt(t *testing.T, v protocol.Value) int64 {
	t.Helper()
	require.Equal(t, protocol.ValueArgs, v.Kind)
	n, err := protocol.ArgInt(v.Args, 0)
	require.NoError(t, err)
	return n
}
