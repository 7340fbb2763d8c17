package stomp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers exactly one CONNECT with CONNECTED, recording the
// heart-beat header the client advertised.
func fakeBroker(t *testing.T, gotHeartbeat chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		require.NoError(t, err)

		frame, err := Decode(strings.TrimSuffix(string(data), nullByte))
		require.NoError(t, err)
		require.Equal(t, CommandConnect, frame.Command)

		hb, _ := frame.Header("heart-beat")
		gotHeartbeat <- hb

		connected := NewFrame(CommandConnected, map[string]string{"version": "1.2"}, "")
		_ = ws.WriteMessage(websocket.TextMessage, []byte(connected.Encode()))

		// keep the connection open briefly so the client can finish Dial
		// before the server goes away.
		time.Sleep(50 * time.Millisecond)
	}))
}

func TestDial_MatchingHeartbeatIsAdvertised(t *testing.T) {
	gotHeartbeat := make(chan string, 1)
	server := fakeBroker(t, gotHeartbeat)
	defer server.Close()

	cfg := Config{URL: toWS(server.URL), Host: "waldur", HeartbeatMs: HeartbeatMs}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case hb := <-gotHeartbeat:
		assert.Equal(t, "10000,10000", hb)
	case <-time.After(time.Second):
		t.Fatal("broker never received CONNECT")
	}
}

func TestDial_MismatchedHeartbeatConfigDisablesHeartbeats(t *testing.T) {
	gotHeartbeat := make(chan string, 1)
	server := fakeBroker(t, gotHeartbeat)
	defer server.Close()

	// A HeartbeatMs that does not equal the fixed contract must result in
	// heart-beats being disabled entirely, not renegotiated to cfg's value.
	cfg := Config{URL: toWS(server.URL), Host: "waldur", HeartbeatMs: 5000}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case hb := <-gotHeartbeat:
		assert.Equal(t, "0,0", hb)
	case <-time.After(time.Second):
		t.Fatal("broker never received CONNECT")
	}
}

func TestDial_BrokerErrorFrameFailsHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_, _, err = ws.ReadMessage()
		require.NoError(t, err)

		errFrame := NewFrame(CommandError, nil, "bad credentials")
		_ = ws.WriteMessage(websocket.TextMessage, []byte(errFrame.Encode()))
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	cfg := Config{URL: toWS(server.URL), Host: "waldur", HeartbeatMs: HeartbeatMs}
	_, err := Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// TestConn_SendHeartbeatWritesBareNewline exercises the STOMP 1.2 wire
// format for a heart-beat: a lone "\n", not a framed command.
func TestConn_SendHeartbeatWritesBareNewline(t *testing.T) {
	received := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_, _, err = ws.ReadMessage() // CONNECT
		require.NoError(t, err)
		connected := NewFrame(CommandConnected, map[string]string{"version": "1.2"}, "")
		_ = ws.WriteMessage(websocket.TextMessage, []byte(connected.Encode()))

		_, data, err := ws.ReadMessage() // the heart-beat written by the test below
		require.NoError(t, err)
		received <- string(data)
	}))
	defer server.Close()

	cfg := Config{URL: toWS(server.URL), Host: "waldur", HeartbeatMs: HeartbeatMs}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.sendHeartbeat())

	select {
	case data := <-received:
		assert.Equal(t, "\n", data)
	case <-time.After(time.Second):
		t.Fatal("broker never received the heart-beat")
	}
}

// TestConn_ReadDeadlineTimesOutReadFrame confirms that a read deadline set
// on the underlying WebSocket actually unblocks readFrame, the mechanism
// Run relies on to detect a broker that has gone silently idle-dead despite
// both sides believing heart-beats are active.
func TestConn_ReadDeadlineTimesOutReadFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_, _, err = ws.ReadMessage() // CONNECT
		require.NoError(t, err)
		connected := NewFrame(CommandConnected, map[string]string{"version": "1.2"}, "")
		_ = ws.WriteMessage(websocket.TextMessage, []byte(connected.Encode()))

		time.Sleep(time.Second) // never sends anything else
	}))
	defer server.Close()

	cfg := Config{URL: toWS(server.URL), Host: "waldur", HeartbeatMs: HeartbeatMs}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.ws.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = conn.readFrame()
	assert.Error(t, err)
}
