package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used on the transport. CloseAbnormal only classifies a
// connection that ended without a close frame; it is never sent.
const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure
)

const (
	writeWait   = 10 * time.Second
	controlWait = time.Second
)

// Transport is one open, message-oriented connection to the authority.
// Write is never called concurrently; Close may race with Read and Write.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens a transport to endpoint. It must give up when ctx is done.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// CloseError reports the close code the peer (or the network) ended the transport with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport closed: %d %s", e.Code, e.Reason)
}

// closeCode classifies a read error. Anything that is not an explicit close is abnormal.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// BuildEndpoint appends identity and credential as query parameters to base.
func BuildEndpoint(base, identity, credential string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: scheme and host are required", base)
	}
	q := u.Query()
	q.Set("identity", identity)
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewWebsocketDialer dials with gorilla/websocket.
func NewWebsocketDialer() Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	return func(ctx context.Context, endpoint string) (Transport, error) {
		conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket handshake failed with %s: %w", resp.Status, err)
			}
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		return &websocketTransport{conn: conn}, nil
	}
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) Write(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Read(_ context.Context) ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame with code, then drops the connection. Codes
// reserved for local use are not put on the wire.
func (t *websocketTransport) Close(code int, reason string) error {
	if sendableCloseCode(code) {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
	}
	return t.conn.Close()
}

// sendableCloseCode reports whether code may appear in a close frame.
// 1005, 1006 and 1015 must never be sent (RFC 6455, section 7.4.1).
func sendableCloseCode(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}
