package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// transport moves raw bytes for one client. Reads return chunks that may hold
// partial or multiple frames; the connection's stream decoder reassembles
// them. read is only called from the read loop. write is serialized by the
// connection. ping and close may be called concurrently with both.
type transport interface {
	read() ([]byte, error)
	write(data []byte, deadline time.Time) error
	ping(deadline time.Time) error
	setReadDeadline(t time.Time) error
	close() error
	remoteAddr() string
	kind() string
}

// wsTransport carries frames in binary WebSocket messages.
type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, readTimeout time.Duration) *wsTransport {
	t := &wsTransport{conn: conn, readTimeout: readTimeout}
	conn.SetPongHandler(func(string) error {
		if t.readTimeout > 0 {
			return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		return nil
	})
	return t
}

func (t *wsTransport) read() ([]byte, error) {
	for {
		mt, msg, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return msg, nil
		}
		// Text messages are not part of the protocol; skip them.
	}
}

func (t *wsTransport) write(data []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) setReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *wsTransport) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) remoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) kind() string { return "websocket" }

// tcpTransport carries frames on a plain byte stream.
type tcpTransport struct {
	conn net.Conn
	buf  []byte
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &tcpTransport{conn: conn, buf: make([]byte, 32*1024)}
}

// read returns a slice of an internal buffer, valid until the next call.
func (t *tcpTransport) read() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		return t.buf[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func (t *tcpTransport) write(data []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) ping(time.Time) error { return nil }

func (t *tcpTransport) setReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *tcpTransport) close() error {
	return t.conn.Close()
}

func (t *tcpTransport) remoteAddr() string {
	if a := t.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (t *tcpTransport) kind() string { return "tcp" }

// isExpectedClose reports whether err is an ordinary end of connection that
// does not warrant an error log.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure,
		websocket.CloseNoStatusReceived)
}
