package status

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBroker accepts TCP connections and echoes everything back.
func echoBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestServer(t *testing.T, relayAddr string) *httptest.Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	srv := httptest.NewServer(NewServer(newTestReporter(nil), relayAddr, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStatusEndpoints(t *testing.T) {
	srv := newTestServer(t, "127.0.0.1:1")

	resp, body := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "kitchen - ATC_000001 (RSSI -60)")

	resp, body = get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, `<meta http-equiv="refresh" content="2">`)
	assert.Contains(t, body, `{&#34;temp&#34;:21.5,&#34;humidity&#34;:40}`)

	resp, body = get(t, srv.URL+"/log")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = get(t, srv.URL+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/mqtt"
}

func TestRelayPipesBinaryFrames(t *testing.T) {
	srv := newTestServer(t, echoBroker(t))

	dialer := websocket.Dialer{Subprotocols: []string{"mqttv3.1"}, HandshakeTimeout: time.Second}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "mqttv3.1", resp.Header.Get("Sec-WebSocket-Protocol"))

	connect := []byte{0x10, 0x0c, 0x00, 0x04, 'M', 'Q', 'T', 'T'}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, connect))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got []byte
	for len(got) < len(connect) {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	assert.Equal(t, connect, got)
}

func TestRelayRejectsOtherSubprotocols(t *testing.T) {
	srv := newTestServer(t, echoBroker(t))

	dialer := websocket.Dialer{Subprotocols: []string{"chat"}, HandshakeTimeout: time.Second}
	_, resp, err := dialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayClosesWhenBrokerIsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := newTestServer(t, addr)
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: time.Second}
	conn, _, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}
