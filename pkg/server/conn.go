package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vango-go/bridge/pkg/protocol"
	"github.com/vango-go/bridge/pkg/registry"
)

// ConnState is the lifecycle state of a client connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ScriptFunction is the reserved client function that evaluates its first
// argument as JavaScript and returns the result.
const ScriptFunction = "__bridge_script"

// Conn is one client connection attached to a window.
//
// Each Conn runs a read loop that decodes frames and a worker that handles
// events and calls one at a time in arrival order. Calls on different
// connections run in parallel.
type Conn struct {
	id       string
	windowID registry.WindowID
	server   *Server
	t        transport
	config   *ConnConfig
	logger   *slog.Logger

	// readTimeout is zero for transports without heartbeats.
	readTimeout time.Duration

	state   atomic.Int32
	decoder *protocol.StreamDecoder
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	inboxMu     sync.RWMutex
	inbox       chan *protocol.Message
	inboxClosed bool

	writeMu sync.Mutex

	pendingMu     sync.Mutex
	pending       map[uint32]chan *protocol.Message
	pendingClosed bool
	nextCorr      atomic.Uint32

	closeOnce   sync.Once
	closeReason atomic.Value // error
	workerDone  chan struct{}
	done        chan struct{}

	connectedAt time.Time
}

func newConn(s *Server, t transport, readTimeout time.Duration) *Conn {
	cfg := s.config.ConnConfig
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		server:      s,
		t:           t,
		config:      cfg,
		readTimeout: readTimeout,
		decoder:     protocol.NewStreamDecoder(cfg.MaxPayload),
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan *protocol.Message, cfg.MaxQueue),
		pending:     make(map[uint32]chan *protocol.Message),
		workerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	c.logger = s.logger.With("client_id", c.id, "transport", t.kind(), "remote", t.remoteAddr())
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection's client ID.
func (c *Conn) ID() string { return c.id }

// WindowID returns the window the connection is attached to. It is zero
// before the handshake completes.
func (c *Conn) WindowID() registry.WindowID { return c.windowID }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Context is cancelled when the connection starts closing.
func (c *Conn) Context() context.Context { return c.ctx }

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	if v := c.closeReason.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Conn) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// ═══════════════════════════════════════════════════════════════════════════
// Handshake
// ═══════════════════════════════════════════════════════════════════════════

// handshake reads the client hello, validates it and attaches the connection
// to its window. On failure the rejection is sent and the transport closed.
func (c *Conn) handshake() error {
	c.setState(StateHandshaking)
	_ = c.t.setReadDeadline(time.Now().Add(c.config.HandshakeTimeout))

	msg, err := c.readFrame()
	if err != nil {
		return c.reject(protocol.HandshakeInvalidFormat, fmt.Errorf("%w: %v", ErrInvalidHandshake, err))
	}
	if msg.Kind != protocol.KindHandshake {
		return c.reject(protocol.HandshakeInvalidFormat,
			fmt.Errorf("%w: first frame is %s", ErrInvalidHandshake, msg.Kind))
	}
	hello, err := protocol.DecodeClientHello(msg.Payload)
	if err != nil {
		return c.reject(protocol.HandshakeInvalidFormat, fmt.Errorf("%w: %v", ErrInvalidHandshake, err))
	}
	if !hello.Version.Compatible() {
		return c.reject(protocol.HandshakeVersionMismatch,
			fmt.Errorf("%w: client version %d.%d", ErrHandshakeRejected, hello.Version.Major, hello.Version.Minor))
	}
	if want := c.server.config.Token; want != "" &&
		subtle.ConstantTimeCompare([]byte(want), []byte(hello.Token)) != 1 {
		return c.reject(protocol.HandshakeNotAuthorized, fmt.Errorf("%w: bad token", ErrHandshakeRejected))
	}

	c.windowID = registry.WindowID(hello.WindowID)
	if err := c.server.registry.Attach(c.windowID, c); err != nil {
		return c.reject(protocol.HandshakeUnknownWindow, fmt.Errorf("%w: %v", ErrHandshakeRejected, err))
	}

	c.logger = c.logger.With("window_id", c.windowID)
	if err := c.sendRaw(protocol.NewServerHelloMessage(&protocol.ServerHello{
		Status:     protocol.HandshakeOK,
		ClientID:   c.id,
		WindowID:   hello.WindowID,
		ServerTime: uint64(time.Now().UnixMilli()),
	})); err != nil {
		c.server.registry.Detach(c.windowID, c.id)
		err = &ConnError{ClientID: c.id, Op: "handshake", Err: err}
		c.abort(err)
		return err
	}

	_ = c.t.setReadDeadline(time.Time{})
	c.connectedAt = time.Now()
	if !c.transition(StateHandshaking, StateActive) {
		// Closed while handshaking, e.g. the window went away.
		c.server.registry.Detach(c.windowID, c.id)
		err := c.Err()
		c.abort(err)
		return &ConnError{ClientID: c.id, Op: "handshake", Err: err}
	}
	return nil
}

// readFrame blocks until the decoder yields a message.
func (c *Conn) readFrame() (*protocol.Message, error) {
	for {
		msg, err := c.decoder.Next()
		if err == nil {
			c.server.metrics.RecordFrameReceived()
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			return nil, err
		}
		chunk, err := c.t.read()
		if err != nil {
			return nil, err
		}
		c.server.metrics.RecordBytesReceived(len(chunk))
		c.decoder.Feed(chunk)
	}
}

func (c *Conn) reject(status protocol.HandshakeStatus, err error) error {
	c.server.metrics.RecordHandshakeFailure()
	c.logger.Warn("handshake rejected", "status", status.String(), "error", err)

	_ = c.sendRaw(protocol.NewServerHelloMessage(&protocol.ServerHello{Status: status}))
	c.abort(err)
	return &HandshakeError{Status: status.String(), Err: err}
}

// abort tears down a connection that never became active.
func (c *Conn) abort(reason error) {
	c.closeOnce.Do(func() { c.closeReason.Store(reason) })
	c.setState(StateClosing)
	c.cancel()
	c.t.close()
	c.setState(StateClosed)
	close(c.workerDone)
	close(c.done)
	c.server.forget(c)
}

// start launches the connection loops. The connection must be Active.
func (c *Conn) start() {
	go c.readLoop()
	go c.worker()
	if c.readTimeout > 0 && c.config.HeartbeatInterval > 0 {
		go c.heartbeat()
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Loops
// ═══════════════════════════════════════════════════════════════════════════

// readLoop decodes frames and routes them until the transport fails.
func (c *Conn) readLoop() {
	var reason error = ErrConnectionClosed
	defer func() { c.Close(reason) }()

	for {
		for {
			msg, err := c.decoder.Next()
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				reason = c.protocolViolation("decode", err)
				return
			}
			c.server.metrics.RecordFrameReceived()
			if err := c.route(msg); err != nil {
				reason = err
				return
			}
		}

		if c.readTimeout > 0 {
			_ = c.t.setReadDeadline(time.Now().Add(c.readTimeout))
		}
		chunk, err := c.t.read()
		if err != nil {
			if c.State() == StateActive && !isExpectedClose(err) {
				c.logger.Error("read error", "error", err)
			}
			return
		}
		c.server.metrics.RecordBytesReceived(len(chunk))
		c.decoder.Feed(chunk)
	}
}

func (c *Conn) protocolViolation(op string, err error) error {
	c.server.metrics.RecordProtocolError()
	perr := &ProtocolError{ClientID: c.id, Op: op, Err: err}
	c.logger.Warn("protocol violation", "op", op, "error", err)
	return perr
}

// route handles one decoded frame on the read loop. A non-nil error closes
// the connection.
func (c *Conn) route(msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindCall:
		c.server.metrics.RecordCallReceived()
		if c.ctx.Err() != nil {
			c.replyError(msg.CorrelationID, protocol.ErrCancelled, "connection closing")
			return nil
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.server.metrics.RecordRateLimited()
			c.logger.Warn("call rate limited", "correlation_id", msg.CorrelationID)
			c.replyError(msg.CorrelationID, protocol.ErrRateLimited, "rate limit exceeded")
			return nil
		}
		if !c.enqueue(msg, true) {
			c.replyError(msg.CorrelationID, protocol.ErrCancelled, "connection closing")
		}
		return nil

	case protocol.KindEvent:
		c.server.metrics.RecordEventReceived()
		if c.limiter != nil && !c.limiter.Allow() {
			c.server.metrics.RecordEventDropped()
			c.logger.Warn("event rate limited")
			return nil
		}
		if !c.enqueue(msg, false) {
			c.server.metrics.RecordEventDropped()
			if c.ctx.Err() == nil {
				c.logger.Warn("event queue full, dropping event")
			}
		}
		return nil

	case protocol.KindResponse, protocol.KindError:
		c.resolve(msg)
		return nil

	default:
		// A second hello, or a kind the decoder let through.
		return c.protocolViolation("route", fmt.Errorf("unexpected %s frame", msg.Kind))
	}
}

// enqueue hands msg to the worker. With wait set it blocks while the inbox
// is full. It reports false once the worker has stopped accepting frames.
func (c *Conn) enqueue(msg *protocol.Message, wait bool) bool {
	c.inboxMu.RLock()
	defer c.inboxMu.RUnlock()
	if c.inboxClosed {
		return false
	}
	if wait {
		select {
		case c.inbox <- msg:
			return true
		case <-c.ctx.Done():
			return false
		}
	}
	select {
	case c.inbox <- msg:
		return true
	default:
		return false
	}
}

// worker raises the Connected event, processes queued frames in order until
// the connection closes, then answers anything still queued with Cancelled.
func (c *Conn) worker() {
	defer close(c.workerDone)
	c.server.dispatcher.OnEvent(c.ctx, &registry.Event{
		WindowID: c.windowID,
		ClientID: c.id,
		Type:     protocol.EventConnected,
	})
	for {
		select {
		case msg := <-c.inbox:
			c.process(msg)
		case <-c.ctx.Done():
			c.inboxMu.Lock()
			c.inboxClosed = true
			c.inboxMu.Unlock()
			c.drain()
			return
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.inbox:
			if msg.Kind == protocol.KindCall {
				c.replyError(msg.CorrelationID, protocol.ErrCancelled, "connection closing")
			}
		default:
			return
		}
	}
}

func (c *Conn) process(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindCall:
		payload, err := protocol.DecodeCall(msg.Payload)
		if err != nil {
			c.logger.Warn("undecodable call", "correlation_id", msg.CorrelationID, "error", err)
			c.replyError(msg.CorrelationID, protocol.ErrProtocol, err.Error())
			return
		}
		call := &registry.Call{
			WindowID:      c.windowID,
			ClientID:      c.id,
			CorrelationID: msg.CorrelationID,
			Name:          payload.Name,
			Args:          payload.Args,
		}
		c.logger.Debug("call", "function", call.Name, "correlation_id", call.CorrelationID)
		_ = c.send(c.server.dispatcher.OnCall(c.ctx, call))

	case protocol.KindEvent:
		payload, err := protocol.DecodeEvent(msg.Payload)
		if err != nil {
			c.logger.Warn("undecodable event", "error", err)
			return
		}
		c.server.dispatcher.OnEvent(c.ctx, &registry.Event{
			WindowID: c.windowID,
			ClientID: c.id,
			Type:     payload.Type,
			Element:  payload.Element,
			Data:     payload.Data,
		})
	}
}

// heartbeat pings the client until the connection closes.
func (c *Conn) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.t.ping(time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close(&ConnError{ClientID: c.id, Op: "ping", Err: err})
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Writing
// ═══════════════════════════════════════════════════════════════════════════

// send writes msg unless the connection is already closed.
func (c *Conn) send(msg *protocol.Message) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	if err := c.sendRaw(msg); err != nil {
		c.server.metrics.RecordWriteError()
		if !isExpectedClose(err) {
			c.logger.Error("write error", "error", err)
		}
		c.Close(&ConnError{ClientID: c.id, Op: "write", Err: err})
		return err
	}
	return nil
}

func (c *Conn) sendRaw(msg *protocol.Message) error {
	data := protocol.Encode(msg)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.t.write(data, time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	c.server.metrics.RecordFrameSent(len(data))
	return nil
}

func (c *Conn) replyError(correlationID uint32, code protocol.ErrorCode, message string) {
	_ = c.send(protocol.NewErrorMessage(correlationID, code, message))
}

// SendEvent delivers a fire-and-forget event to the client.
func (c *Conn) SendEvent(ev *protocol.EventPayload) error {
	if c.State() != StateActive {
		return ErrConnectionClosed
	}
	msg, err := protocol.NewEventMessage(ev)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// ═══════════════════════════════════════════════════════════════════════════
// Server → client calls
// ═══════════════════════════════════════════════════════════════════════════

// Call invokes a function registered in the client page and waits for its
// result. Client errors are returned as *protocol.ErrorPayload. When the
// connection closes first, Call returns an error wrapping ErrCancelled.
func (c *Conn) Call(ctx context.Context, name string, args ...any) (protocol.Value, error) {
	if c.State() != StateActive {
		return protocol.Value{}, ErrConnectionClosed
	}
	if _, ok := ctx.Deadline(); !ok && c.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}

	corr, ch, err := c.register()
	if err != nil {
		return protocol.Value{}, err
	}
	defer c.unregister(corr)

	msg, err := protocol.NewCallMessage(corr, name, args...)
	if err != nil {
		return protocol.Value{}, err
	}
	c.server.metrics.RecordOutboundCall()
	if err := c.send(msg); err != nil {
		return protocol.Value{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Value{}, c.cancelledErr()
		}
		if resp.Kind == protocol.KindError {
			ep, err := protocol.DecodeError(resp.Payload)
			if err != nil {
				return protocol.Value{}, err
			}
			return protocol.Value{}, ep
		}
		return protocol.DecodeValue(resp.Payload)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Value{}, fmt.Errorf("%w: %s", ErrCallTimeout, name)
		}
		return protocol.Value{}, ctx.Err()
	}
}

func (c *Conn) cancelledErr() error {
	if reason := c.Err(); reason != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, reason)
	}
	return ErrCancelled
}

func (c *Conn) register() (uint32, chan *protocol.Message, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingClosed {
		return 0, nil, c.cancelledErr()
	}
	corr := c.nextCorr.Add(1)
	for corr == 0 || c.pending[corr] != nil {
		corr = c.nextCorr.Add(1)
	}
	ch := make(chan *protocol.Message, 1)
	c.pending[corr] = ch
	return corr, ch, nil
}

func (c *Conn) unregister(corr uint32) {
	c.pendingMu.Lock()
	delete(c.pending, corr)
	c.pendingMu.Unlock()
}

func (c *Conn) resolve(msg *protocol.Message) {
	c.pendingMu.Lock()
	ch := c.pending[msg.CorrelationID]
	delete(c.pending, msg.CorrelationID)
	c.pendingMu.Unlock()

	if ch == nil {
		c.logger.Warn("response for unknown call", "correlation_id", msg.CorrelationID, "kind", msg.Kind.String())
		return
	}
	ch <- msg
}

func (c *Conn) failPending() {
	c.pendingMu.Lock()
	c.pendingClosed = true
	pending := c.pending
	c.pending = make(map[uint32]chan *protocol.Message)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Closing
// ═══════════════════════════════════════════════════════════════════════════

// Close starts closing the connection with reason and returns without
// waiting. Queued and running calls are answered with Cancelled, pending
// server→client calls fail with ErrCancelled, and the transport is closed.
// Done is closed once everything has finished. Close is idempotent.
func (c *Conn) Close(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		prev := ConnState(c.state.Swap(int32(StateClosing)))
		c.cancel()
		if prev == StateActive {
			go c.finish(reason)
			return
		}
		// The handshake goroutine notices the closed transport and
		// finishes the teardown.
		c.t.close()
	})
}

func (c *Conn) finish(reason error) {
	timer := time.NewTimer(c.config.CloseTimeout)
	select {
	case <-c.workerDone:
	case <-timer.C:
		c.logger.Warn("worker did not stop before close timeout")
	}
	timer.Stop()

	c.failPending()
	c.t.close()
	c.setState(StateClosed)
	c.server.connClosed(c, reason)
	close(c.done)
}
