package link

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open message-oriented transport to an endpoint.
type Conn interface {
	// ReadMessage blocks until the next message or an error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports. The address is the endpoint's URL.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

const defaultWriteTimeout = 5 * time.Second

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the HTTP upgrade. Zero uses the context only.
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // body is unused
	}
	if err != nil {
		return nil, fmt.Errorf("dialling %s: %w", address, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts *websocket.Conn to Conn. gorilla allows one concurrent
// writer, so writes are serialised.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	//nolint:errcheck // best-effort close frame before tearing down
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
