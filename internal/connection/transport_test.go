package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeRecorder is a websocket server reporting the close code of each connection.
func closeRecorder(t *testing.T) (string, <-chan int) {
	t.Helper()
	codes := make(chan int, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					codes <- ce.Code
				} else {
					codes <- -1
				}
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), codes
}

func receivedCode(t *testing.T, codes <-chan int) int {
	t.Helper()
	select {
	case code := <-codes:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no close")
		return 0
	}
}

func TestWebsocketCloseFrames(t *testing.T) {
	endpoint, codes := closeRecorder(t)
	dial := NewWebsocketDialer()

	for _, code := range []int{CloseNormal, CloseGoingAway} {
		tr, err := dial(context.Background(), endpoint)
		require.NoError(t, err)
		require.NoError(t, tr.Close(code, "bye"))
		assert.Equal(t, code, receivedCode(t, codes))
	}

	// 1006 is local bookkeeping only: the peer sees the connection drop
	// without a close frame, never a frame carrying 1006 from us
	tr, err := dial(context.Background(), endpoint)
	require.NoError(t, err)
	_ = tr.Close(CloseAbnormal, "lost")
	assert.Equal(t, CloseAbnormal, receivedCode(t, codes))
}

func TestSendableCloseCode(t *testing.T) {
	assert.True(t, sendableCloseCode(CloseNormal))
	assert.True(t, sendableCloseCode(CloseGoingAway))
	assert.True(t, sendableCloseCode(4001))
	assert.False(t, sendableCloseCode(CloseAbnormal))
	assert.False(t, sendableCloseCode(websocket.CloseNoStatusReceived))
	assert.False(t, sendableCloseCode(websocket.CloseTLSHandshake))
	assert.False(t, sendableCloseCode(999))
}
