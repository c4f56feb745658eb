package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message oriented full-duplex connection. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a new connection to the streaming endpoint
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDialer returns a DialFunc for a websocket endpoint. apiKey, when
// set, is sent as a bearer token.
func WebSocketDialer(url, apiKey string, handshakeTimeout time.Duration) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if apiKey != "" {
			header.Set("Authorization", "Bearer "+apiKey)
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		return conn, nil
	}
}
