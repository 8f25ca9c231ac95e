package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// userAgent decorates the WebSocket upgrade request.
const userAgent = "deribit-mm/1.0 websocket-client"

const handshakeTimeout = 10 * time.Second

// Channel is a byte-framed, bidirectional text-frame pipe: dial once, then
// Send/Recv blocking text frames until Close. It has no notion of JSON-RPC;
// that framing lives in internal/session.
type Channel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial establishes a WebSocket connection to uri. A "wss" or "https"
// protocol dials with TLS; any other protocol dials plain "ws".
func Dial(uri URI) (*Channel, error) {
	scheme := "ws"
	if uri.Protocol == "wss" || uri.Protocol == "https" {
		scheme = "wss"
	}

	endpoint := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%s", uri.Domain, uri.Port),
		Path:     uri.Resource,
		RawQuery: uri.Query,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)

	conn, _, err := dialer.Dial(endpoint.String(), header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint.String(), err)
	}

	return &Channel{conn: conn}, nil
}

// Send writes one UTF-8 text frame.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("transport: channel not open")
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Recv blocks until the next text frame arrives.
func (c *Channel) Recv() (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("transport: channel not open")
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("transport: read: %w", err)
	}
	return string(data), nil
}

// IsOpen reports whether the channel has not yet been closed locally.
// gorilla/websocket has no server-visible "open" getter, so this tracks
// only our own Close() call.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close sends a normal WebSocket close frame and releases the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.conn.Close()
	c.conn = nil
	return err
}
