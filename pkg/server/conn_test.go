package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

func TestCallAnsweredWithSameCorrelationID(t *testing.T) {
	srv, id := newTestServer(t, nil)
	bindAdd(t, srv.Registry(), id)

	c := connect(t, srv, id)
	c.call(7, "add", 2, 3)

	v := c.expectResponse(7)
	assert.Equal(t, int64(5), argInt(t, v))

	// Exactly one reply.
	_, err := c.tryRecv(50 * time.Millisecond)
	assert.Error(t, err, "no second frame expected")
}

func TestUnboundNameKeepsConnection(t *testing.T) {
	srv, id := newTestServer(t, nil)
	bindAdd(t, srv.Registry(), id)

	c := connect(t, srv, id)
	c.call(9, "missing")

	ep := c.expectError(9)
	assert.Equal(t, protocol.ErrNotFound, ep.Code)
	assert.Equal(t, "missing", ep.Message)

	c.call(10, "add", 1, 1)
	assert.Equal(t, int64(2), argInt(t, c.expectResponse(10)))
}

func TestHandlerErrorsBecomeErrorFrames(t *testing.T) {
	srv, id := newTestServer(t, nil)
	reg := srv.Registry()
	bindAdd(t, reg, id)
	require.NoError(t, reg.Bind(id, "fail", func(context.Context, *registry.Call) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, reg.Bind(id, "panic", func(context.Context, *registry.Call) (any, error) {
		panic("kaboom")
	}))

	c := connect(t, srv, id)

	c.call(1, "fail")
	ep := c.expectError(1)
	assert.Equal(t, protocol.ErrHandler, ep.Code)
	assert.Equal(t, "boom", ep.Message)

	c.call(2, "panic")
	ep = c.expectError(2)
	assert.Equal(t, protocol.ErrHandler, ep.Code)
	assert.NotContains(t, ep.Message, "kaboom")

	c.call(3, "add", 1)
	assert.Equal(t, protocol.ErrInvalidArguments, c.expectError(3).Code)

	c.call(4, "add", "x", 1)
	assert.Equal(t, protocol.ErrInvalidArguments, c.expectError(4).Code)

	// Still serving.
	c.call(5, "add", 4, 4)
	assert.Equal(t, int64(8), argInt(t, c.expectResponse(5)))
}

func TestCallsOnOneConnectionAreOrdered(t *testing.T) {
	srv, id := newTestServer(t, nil)
	require.NoError(t, srv.Registry().Bind(id, "echo", func(ctx context.Context, call *registry.Call) (any, error) {
		n, err := call.Int(0)
		if n == 1 {
			// The first call is the slowest; later calls still wait for it.
			time.Sleep(30 * time.Millisecond)
		}
		return n, err
	}))

	c := connect(t, srv, id)
	for i := uint32(1); i <= 5; i++ {
		c.call(i, "echo", i)
	}
	for i := uint32(1); i <= 5; i++ {
		v := c.expectResponse(i)
		assert.Equal(t, int64(i), argInt(t, v))
	}
}

func TestConcurrentCallsOnTwoConnections(t *testing.T) {
	srv, id := newTestServer(t, nil)
	reg := srv.Registry()
	bindAdd(t, reg, id)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, reg.Bind(id, "block", func(ctx context.Context, call *registry.Call) (any, error) {
		close(started)
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	a := connect(t, srv, id)
	b := connect(t, srv, id)
	require.NotEqual(t, a.clientID, b.clientID)

	a.call(1, "block")
	<-started

	// b completes while a is still blocked.
	b.call(1, "add", 20, 22)
	assert.Equal(t, int64(42), argInt(t, b.expectResponse(1)))

	close(release)
	v := a.expectResponse(1)
	assert.Equal(t, "released", v.Text)
}

func TestCloseWindowCancelsPendingCall(t *testing.T) {
	srv, id := newTestServer(t, nil)
	started := make(chan struct{})
	require.NoError(t, srv.Registry().Bind(id, "block", func(ctx context.Context, call *registry.Call) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	c := connect(t, srv, id)
	c.call(3, "block")
	<-started

	require.NoError(t, srv.CloseWindow(id))

	ep := c.expectError(3)
	assert.Equal(t, protocol.ErrCancelled, ep.Code)
	c.expectClosed()
	assert.False(t, srv.Registry().HasWindow(id))
}

func TestCloseWindowCancelsQueuedCalls(t *testing.T) {
	srv, id := newTestServer(t, nil)
	started := make(chan struct{})
	require.NoError(t, srv.Registry().Bind(id, "block", func(ctx context.Context, call *registry.Call) (any, error) {
		if n, _ := call.Int(0); n == 1 {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	c := connect(t, srv, id)
	conns := srv.Conns(id)
	require.Len(t, conns, 1)
	c.call(1, "block", 1)
	<-started
	c.call(2, "block", 2)
	assert.Eventually(t, func() bool { return len(conns[0].inbox) == 1 }, testWait, time.Millisecond)

	require.NoError(t, srv.CloseWindow(id))

	got := map[uint32]protocol.ErrorCode{}
	for len(got) < 2 {
		msg := c.recv()
		require.Equal(t, protocol.KindError, msg.Kind)
		ep, err := protocol.DecodeError(msg.Payload)
		require.NoError(t, err)
		got[msg.CorrelationID] = ep.Code
	}
	assert.Equal(t, map[uint32]protocol.ErrorCode{1: protocol.ErrCancelled, 2: protocol.ErrCancelled}, got)
	c.expectClosed()
}

func TestEventsReachHandlers(t *testing.T) {
	srv, id := newTestServer(t, nil)
	got := make(chan *registry.Event, 4)
	require.NoError(t, srv.Registry().On(id, "btn", func(ctx context.Context, ev *registry.Event) {
		got <- ev
	}))

	c := connect(t, srv, id)
	msg, err := protocol.NewEventMessage(&protocol.EventPayload{
		Type:    protocol.EventMouseClick,
		Element: "btn",
		Data:    protocol.StringValue("payload"),
	})
	require.NoError(t, err)
	c.send(msg)

	select {
	case ev := <-got:
		assert.Equal(t, id, ev.WindowID)
		assert.Equal(t, c.clientID, ev.ClientID)
		assert.Equal(t, protocol.EventMouseClick, ev.Type)
		assert.Equal(t, "payload", ev.Data.Text)
	case <-time.After(testWait):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, int64(1), srv.Metrics().EventsReceived)
}

func TestConnectAndDisconnectRaiseEvents(t *testing.T) {
	srv, id := newTestServer(t, nil)
	got := make(chan protocol.EventType, 4)
	require.NoError(t, srv.Registry().On(id, "", func(ctx context.Context, ev *registry.Event) {
		got <- ev.Type
	}))

	c := connect(t, srv, id)
	select {
	case typ := <-got:
		assert.Equal(t, protocol.EventConnected, typ)
	case <-time.After(testWait):
		t.Fatal("connect event not delivered")
	}
	c.conn.Close()

	select {
	case typ := <-got:
		assert.Equal(t, protocol.EventDisconnected, typ)
	case <-time.After(testWait):
		t.Fatal("disconnect event not delivered")
	}
	assert.True(t, srv.Registry().HasWindow(id), "window stays open without CloseOnDisconnect")
}

func TestCloseOnDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.CloseOnDisconnect = true
	cfg.DisconnectGrace = 20 * time.Millisecond
	srv, id := newTestServer(t, cfg)

	c := connect(t, srv, id)
	c.conn.Close()

	assert.Eventually(t, func() bool { return !srv.Registry().HasWindow(id) },
		testWait, 5*time.Millisecond)
}

func TestReconnectWithinGraceKeepsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.CloseOnDisconnect = true
	cfg.DisconnectGrace = 200 * time.Millisecond
	srv, id := newTestServer(t, cfg)

	first := connect(t, srv, id)
	first.conn.Close()
	assert.Eventually(t, func() bool { return len(srv.Conns(id)) == 0 }, testWait, 5*time.Millisecond)

	connect(t, srv, id)
	time.Sleep(300 * time.Millisecond)
	assert.True(t, srv.Registry().HasWindow(id))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	// Kind 0x09 does not exist.
	c.write([]byte{0x09, 0, 0, 0, 1, 0, 0, 0, 0})
	c.expectClosed()

	assert.Eventually(t, func() bool { return srv.Metrics().ProtocolErrors == 1 },
		testWait, 5*time.Millisecond)
	assert.True(t, srv.Registry().HasWindow(id))
}

func TestSecondHandshakeIsProtocolError(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	c.send(protocol.NewClientHelloMessage(uint64(id), ""))
	c.expectClosed()
}

func TestByteAtATimeFeeding(t *testing.T) {
	srv, id := newTestServer(t, nil)
	bindAdd(t, srv.Registry(), id)
	c := dialPipe(t, srv)

	for _, b := range protocol.Encode(protocol.NewClientHelloMessage(uint64(id), "")) {
		c.write([]byte{b})
	}
	sh, err := protocol.DecodeServerHello(c.recv().Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.HandshakeOK, sh.Status)

	msg, err := protocol.NewCallMessage(11, "add", 40, 2)
	require.NoError(t, err)
	for _, b := range protocol.Encode(msg) {
		c.write([]byte{b})
	}
	assert.Equal(t, int64(42), argInt(t, c.expectResponse(11)))
}

func TestRateLimitedCalls(t *testing.T) {
	cfg := testConfig()
	cfg.ConnConfig.RateLimit = 0.001
	cfg.ConnConfig.RateBurst = 1
	srv, id := newTestServer(t, cfg)
	bindAdd(t, srv.Registry(), id)

	c := connect(t, srv, id)
	c.call(1, "add", 1, 2)
	c.call(2, "add", 1, 2)

	kinds := map[uint32]protocol.Kind{}
	var limited *protocol.ErrorPayload
	for len(kinds) < 2 {
		msg := c.recv()
		kinds[msg.CorrelationID] = msg.Kind
		if msg.Kind == protocol.KindError {
			ep, err := protocol.DecodeError(msg.Payload)
			require.NoError(t, err)
			limited = ep
		}
	}
	assert.Equal(t, protocol.KindResponse, kinds[1])
	assert.Equal(t, protocol.KindError, kinds[2])
	require.NotNil(t, limited)
	assert.Equal(t, protocol.ErrRateLimited, limited.Code)
	assert.Equal(t, int64(1), srv.Metrics().RateLimited)
}

// ═══════════════════════════════════════════════════════════════════════════
// Handshake
// ═══════════════════════════════════════════════════════════════════════════

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		first  func(id registry.WindowID) *protocol.Message
		status protocol.HandshakeStatus
	}{
		{
			name: "unknown window",
			first: func(id registry.WindowID) *protocol.Message {
				return protocol.NewClientHelloMessage(uint64(id)+100, "")
			},
			status: protocol.HandshakeUnknownWindow,
		},
		{
			name: "call before hello",
			first: func(id registry.WindowID) *protocol.Message {
				msg, _ := protocol.NewCallMessage(1, "add", 1, 2)
				return msg
			},
			status: protocol.HandshakeInvalidFormat,
		},
		{
			name: "garbage hello",
			first: func(id registry.WindowID) *protocol.Message {
				return protocol.NewMessage(protocol.KindHandshake, 0, []byte{1})
			},
			status: protocol.HandshakeInvalidFormat,
		},
		{
			name: "version mismatch",
			first: func(id registry.WindowID) *protocol.Message {
				return protocol.NewMessage(protocol.KindHandshake, 0, protocol.EncodeClientHello(&protocol.ClientHello{
					Version:  protocol.ProtocolVersion{Major: 9},
					WindowID: uint64(id),
				}))
			},
			status: protocol.HandshakeVersionMismatch,
		},
		{
			name:  "bad token",
			token: "secret",
			first: func(id registry.WindowID) *protocol.Message {
				return protocol.NewClientHelloMessage(uint64(id), "guess")
			},
			status: protocol.HandshakeNotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Token = tt.token
			srv, id := newTestServer(t, cfg)

			c := dialPipe(t, srv)
			c.send(tt.first(id))
			msg := c.recv()
			require.Equal(t, protocol.KindHandshake, msg.Kind)
			sh, err := protocol.DecodeServerHello(msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.status, sh.Status)
			assert.Empty(t, sh.ClientID)
			c.expectClosed()

			var herr *HandshakeError
			assert.ErrorAs(t, <-c.served, &herr)
			assert.Equal(t, int64(1), srv.Metrics().HandshakeFailures)
			assert.Empty(t, srv.Conns(id))
		})
	}
}

func TestHandshakeWithToken(t *testing.T) {
	cfg := testConfig()
	cfg.Token = "secret"
	srv, id := newTestServer(t, cfg)

	connect(t, srv, id)
	assert.Len(t, srv.Conns(id), 1)
	assert.Equal(t, int64(1), srv.Metrics().ActiveConnections)
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnConfig.HandshakeTimeout = 20 * time.Millisecond
	srv, _ := newTestServer(t, cfg)

	c := dialPipe(t, srv)
	select {
	case err := <-c.served:
		assert.ErrorIs(t, err, ErrInvalidHandshake)
	case <-time.After(testWait):
		t.Fatal("handshake did not time out")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Server → client
// ═══════════════════════════════════════════════════════════════════════════

type callResult struct {
	v   protocol.Value
	err error
}

func TestServerCallsClient(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	res := make(chan callResult, 1)
	go func() {
		v, err := srv.Call(context.Background(), id, "greet", "bob")
		res <- callResult{v, err}
	}()

	msg := c.recv()
	require.Equal(t, protocol.KindCall, msg.Kind)
	call, err := protocol.DecodeCall(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "greet", call.Name)
	assert.Equal(t, []any{"bob"}, call.Args)

	reply, err := protocol.NewResponseMessage(msg.CorrelationID, protocol.StringValue("hi bob"))
	require.NoError(t, err)
	c.send(reply)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "hi bob", r.v.Text)
	assert.Equal(t, int64(1), srv.Metrics().OutboundCalls)
}

func TestServerCallClientError(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	res := make(chan callResult, 1)
	go func() {
		v, err := srv.Script(context.Background(), id, "document.title")
		res <- callResult{v, err}
	}()

	msg := c.recv()
	call, err := protocol.DecodeCall(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, ScriptFunction, call.Name)
	assert.Equal(t, []any{"document.title"}, call.Args)

	c.send(protocol.NewErrorMessage(msg.CorrelationID, protocol.ErrHandler, "ReferenceError"))

	r := <-res
	var ep *protocol.ErrorPayload
	require.ErrorAs(t, r.err, &ep)
	assert.Equal(t, protocol.ErrHandler, ep.Code)
	assert.Equal(t, "ReferenceError", ep.Message)
}

func TestServerCallCancelledOnWindowClose(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	res := make(chan callResult, 1)
	go func() {
		v, err := srv.Call(context.Background(), id, "never")
		res <- callResult{v, err}
	}()
	require.Equal(t, protocol.KindCall, c.recv().Kind)

	require.NoError(t, srv.CloseWindow(id))

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, ErrCancelled)
	case <-time.After(testWait):
		t.Fatal("pending call did not resolve")
	}
}

func TestServerCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnConfig.CallTimeout = 20 * time.Millisecond
	srv, id := newTestServer(t, cfg)
	c := connect(t, srv, id)

	res := make(chan callResult, 1)
	go func() {
		v, err := srv.Call(context.Background(), id, "slow")
		res <- callResult{v, err}
	}()
	msg := c.recv()

	r := <-res
	assert.ErrorIs(t, r.err, ErrCallTimeout)

	// A late reply is dropped without harming the connection.
	late, err := protocol.NewResponseMessage(msg.CorrelationID, protocol.NullValue())
	require.NoError(t, err)
	c.send(late)
	assert.Len(t, srv.Conns(id), 1)
}

func TestServerCallWithoutClient(t *testing.T) {
	srv, id := newTestServer(t, nil)

	_, err := srv.Call(context.Background(), id, "x")
	assert.ErrorIs(t, err, ErrNoClient)

	_, err = srv.Call(context.Background(), id+1, "x")
	assert.ErrorIs(t, err, registry.ErrWindowNotFound)

	assert.ErrorIs(t, srv.Run(id, "1"), ErrNoClient)
	assert.ErrorIs(t, srv.Run(id+1, "1"), registry.ErrWindowNotFound)
}

func TestBroadcastEvents(t *testing.T) {
	srv, id := newTestServer(t, nil)
	a := connect(t, srv, id)
	b := connect(t, srv, id)

	recvEvent := func(c *testClient) *protocol.EventPayload {
		msg := c.recv()
		require.Equal(t, protocol.KindEvent, msg.Kind)
		assert.Zero(t, msg.CorrelationID)
		ev, err := protocol.DecodeEvent(msg.Payload)
		require.NoError(t, err)
		return ev
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(id, "alert(1)") }()
	for _, c := range []*testClient{a, b} {
		ev := recvEvent(c)
		assert.Equal(t, protocol.EventScript, ev.Type)
		assert.Equal(t, "alert(1)", ev.Data.Text)
	}
	require.NoError(t, <-errc)

	go func() { errc <- srv.SendRaw(id, "onBlob", []byte{1, 2, 3}) }()
	for _, c := range []*testClient{a, b} {
		ev := recvEvent(c)
		assert.Equal(t, protocol.EventRaw, ev.Type)
		assert.Equal(t, "onBlob", ev.Element)
		assert.Equal(t, []byte{1, 2, 3}, ev.Data.Blob)
	}
	require.NoError(t, <-errc)

	go func() { errc <- srv.Navigate(id, "https://example.com/") }()
	for _, c := range []*testClient{a, b} {
		ev := recvEvent(c)
		assert.Equal(t, protocol.EventNavigation, ev.Type)
		assert.Equal(t, "https://example.com/", ev.Data.Text)
	}
	require.NoError(t, <-errc)
}

func TestConnStateString(t *testing.T) {
	for state, want := range map[ConnState]string{
		StateConnecting:  "Connecting",
		StateHandshaking: "Handshaking",
		StateActive:      "Active",
		StateClosing:     "Closing",
		StateClosed:      "Closed",
		ConnState(99):    "Unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := connect(t, srv, id)

	conns := srv.Conns(id)
	require.Len(t, conns, 1)
	conn := conns[0]
	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, c.clientID, conn.ID())
	assert.Equal(t, id, conn.WindowID())

	conn.Close(nil)
	conn.Close(errors.New("second"))
	c.expectClosed()

	select {
	case <-conn.Done():
	case <-time.After(testWait):
		t.Fatal("conn not done")
	}
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Err(), ErrConnectionClosed)
	assert.Error(t, conn.Context().Err())
	assert.ErrorIs(t, conn.SendEvent(&protocol.EventPayload{Type: protocol.EventScript}), ErrConnectionClosed)

	_, err := conn.Call(context.Background(), "x")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, int64(0), srv.Metrics().ActiveConnections)
	assert.Equal(t, int64(1), srv.Metrics().TotalConnections)
}
