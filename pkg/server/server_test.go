package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/bridge/pkg/protocol"
)

func TestStartServesTCPAndHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.TCPAddress = "127.0.0.1:0"
	srv, id := newTestServer(t, cfg)
	bindAdd(t, srv.Registry(), id)

	assert.Empty(t, srv.URL(id), "no URL before Start")
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)

	require.NotNil(t, srv.Addr())
	require.NotNil(t, srv.TCPAddr())
	assert.True(t, strings.HasPrefix(srv.URL(id), "http://127.0.0.1:"), srv.URL(id))
	assert.True(t, strings.HasSuffix(srv.URL(id), "/w/1/"), srv.URL(id))

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	nc, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	c := &testClient{t: t, conn: nc, dec: protocol.NewStreamDecoder(0), buf: make([]byte, 4096)}
	t.Cleanup(func() { nc.Close() })

	sh := c.hello(uint64(id), "")
	require.Equal(t, protocol.HandshakeOK, sh.Status)
	c.call(7, "add", 40, 2)
	assert.Equal(t, int64(42), argInt(t, c.expectResponse(7)))

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	c.expectClosed()
	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
}

func TestWebSocketEndToEnd(t *testing.T) {
	srv, id := newTestServer(t, nil)
	bindAdd(t, srv.Registry(), id)

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + srv.Config().WebSocketPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	dec := protocol.NewStreamDecoder(0)
	send := func(m *protocol.Message) {
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(m)))
	}
	recv := func() *protocol.Message {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(testWait)))
		for {
			if msg, err := dec.Next(); err == nil {
				return msg
			}
			_, data, err := ws.ReadMessage()
			require.NoError(t, err)
			dec.Feed(data)
		}
	}

	send(protocol.NewClientHelloMessage(uint64(id), ""))
	msg := recv()
	require.Equal(t, protocol.KindHandshake, msg.Kind)
	sh, err := protocol.DecodeServerHello(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.HandshakeOK, sh.Status)

	call, err := protocol.NewCallMessage(7, "add", 2, 3)
	require.NoError(t, err)
	send(call)

	msg = recv()
	require.Equal(t, protocol.KindResponse, msg.Kind)
	assert.Equal(t, uint32(7), msg.CorrelationID)
	v, err := protocol.DecodeValue(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(5), argInt(t, v))

	// Server-initiated call answered over the socket.
	done := make(chan error, 1)
	go func() {
		_, err := srv.Call(context.Background(), id, "ping")
		done <- err
	}()
	msg = recv()
	require.Equal(t, protocol.KindCall, msg.Kind)
	reply, err := protocol.NewResponseMessage(msg.CorrelationID, protocol.StringValue("pong"))
	require.NoError(t, err)
	send(reply)
	require.NoError(t, <-done)
}

func TestWebSocketRejectsCrossOrigin(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + srv.Config().WebSocketPath
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func get(t *testing.T, srv *Server, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHTTPRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Token = "secret"
	cfg.RootFS = fstest.MapFS{
		"index.html":  {Data: []byte("<html><head><title>fs</title></head><body></body></html>")},
		"app.css":     {Data: []byte("body{}")},
		"img/logo.svg": {Data: []byte("<svg/>")},
	}
	srv, id := newTestServer(t, cfg)
	base := "/w/" + id.String() + "/"

	t.Run("health", func(t *testing.T) {
		rec := get(t, srv, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok\n", rec.Body.String())
	})

	t.Run("index from root fs", func(t *testing.T) {
		rec := get(t, srv, base)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `<title>fs</title><script src="bridge.js"></script></head>`)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	})

	t.Run("inline page wins", func(t *testing.T) {
		srv.SetPage(id, "<body>inline</body>")
		defer srv.ClearPage(id)
		rec := get(t, srv, base)
		assert.Equal(t, `<script src="bridge.js"></script><body>inline</body>`, rec.Body.String())

		rec = get(t, srv, base+"index.html")
		assert.Contains(t, rec.Body.String(), "inline")
	})

	t.Run("static files", func(t *testing.T) {
		rec := get(t, srv, base+"app.css")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "body{}", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")

		rec = get(t, srv, base+"img/logo.svg")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))

		assert.Equal(t, http.StatusNotFound, get(t, srv, base+"missing.js").Code)
		assert.Equal(t, http.StatusNotFound, get(t, srv, base+"img").Code)
	})

	t.Run("unknown window", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, srv, "/w/99/").Code)
		assert.Equal(t, http.StatusNotFound, get(t, srv, "/w/99/bridge.js").Code)
		assert.Equal(t, http.StatusNotFound, get(t, srv, "/w/nope/app.css").Code)
	})

	t.Run("client script", func(t *testing.T) {
		rec := get(t, srv, base+"bridge.js")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body,
			`window.__BRIDGE__ = {"windowId":1,"token":"secret","wsPath":"/_bridge/ws"};`), body[:80])
		etag := rec.Header().Get("ETag")
		require.NotEmpty(t, etag)

		rec = get(t, srv, base+"bridge.js", func(r *http.Request) {
			r.Header.Set("If-None-Match", "W/"+etag)
		})
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("remote peer rejected", func(t *testing.T) {
		rec := get(t, srv, "/healthz", func(r *http.Request) { r.RemoteAddr = "192.0.2.1:5555" })
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestPublicServerAllowsRemotePeers(t *testing.T) {
	cfg := testConfig()
	cfg.Public = true
	srv, _ := newTestServer(t, cfg)

	rec := get(t, srv, "/healthz", func(r *http.Request) { r.RemoteAddr = "192.0.2.1:5555" })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.0.0.0:0", cfg.ListenAddress())
}

func TestHealthAfterShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/healthz").Code)
}

func TestMountedHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.Mount("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	}))
	assert.Equal(t, "metrics", get(t, srv, "/metrics").Body.String())
}

func TestContentRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"app.js", "app.js", true},
		{"a/b/c.css", "a/b/c.css", true},
		{"a//b.css", "a/b.css", true},
		{"", "", false},
		{"../secret", "", false},
		{"a/../../secret", "", false},
		{"./app.js", "", false},
		{"/etc/passwd", "", false},
		{`a\b`, "", false},
		{"a\x00b", "", false},
	}
	for _, tt := range tests {
		got, ok := contentRelPath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestWindowIcon(t *testing.T) {
	cfg := testConfig()
	cfg.RootFS = fstest.MapFS{
		"index.html": {Data: []byte("<html><head></head><body></body></html>")},
		"favicon":    {Data: []byte("fs-icon")},
	}
	srv, id := newTestServer(t, cfg)
	base := "/w/" + id.String() + "/"

	// Without an icon the root folder file is served and pages are untouched.
	rec := get(t, srv, base+"favicon")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fs-icon", rec.Body.String())
	assert.NotContains(t, get(t, srv, base).Body.String(), `rel="icon"`)

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`)
	srv.SetIcon(id, svg, "")
	rec = get(t, srv, base+"favicon")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, string(svg), rec.Body.String())
	assert.Contains(t, get(t, srv, base).Body.String(), `<link rel="icon" href="favicon"><script src="bridge.js"></script></head>`)

	srv.SetIcon(id, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, "")
	assert.Equal(t, "image/png", get(t, srv, base+"favicon").Header().Get("Content-Type"))

	srv.SetIcon(id, nil, "")
	assert.Equal(t, "fs-icon", get(t, srv, base+"favicon").Body.String())
}

func TestInjectIconLink(t *testing.T) {
	assert.Equal(t, `<head><link rel="icon" href="favicon"></head>`, injectIconLink(`<head></head>`))
	assert.Equal(t, `<link rel="icon" href="favicon"><p>x</p>`, injectIconLink(`<p>x</p>`))
	own := `<head><link REL="icon" href="mine.png"></head>`
	assert.Equal(t, own, injectIconLink(own))
}

func TestInjectClientScript(t *testing.T) {
	assert.Equal(t, `<head><script src="bridge.js"></script></HEAD>`, injectClientScript(`<head></HEAD>`))
	assert.Equal(t, `<script src="bridge.js"></script><body>x</body>`, injectClientScript(`<body>x</body>`))
	assert.Equal(t, `<script src="bridge.js"></script>hi`, injectClientScript(`hi`))
	already := `<script src="/w/1/bridge.js"></script>`
	assert.Equal(t, already, injectClientScript(already))
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"a"`, `"a"`))
	assert.True(t, etagMatches(`"x", W/"a"`, `"a"`))
	assert.False(t, etagMatches(`"b"`, `"a"`))
	assert.False(t, etagMatches("", `"a"`))
}
