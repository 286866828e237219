package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happy-ai/happyd/pkg/protocol"
)

// Conn is the duplex envelope stream to the remote agent service. The
// production implementation rides a WebSocket; tests substitute a fake.
type Conn interface {
	ReadEnvelope() (protocol.Envelope, error)
	WriteEnvelope(protocol.Envelope) error
	Close() error
}

// Dialer establishes a Conn. token is the agent access key.
type Dialer func(ctx context.Context, url, token string, tlsSkipVerify bool) (Conn, error)

// wsConn adapts a gorilla connection to Conn. Writes are serialized; gorilla
// allows at most one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url, token string, tlsSkipVerify bool) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if tlsSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("dial agent server: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// AuthError marks a handshake rejected for bad credentials.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("agent server rejected credentials (HTTP %d)", e.Status)
}

func (c *wsConn) ReadEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	c.mu.Unlock()
	return c.conn.Close()
}
