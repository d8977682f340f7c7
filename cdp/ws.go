package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// DefaultMaxMessageSize is the default read limit for a single message.
const DefaultMaxMessageSize = 2 << 20

// Channel is one physical, message-oriented duplex channel to a target.
// Write must be safe to call concurrently with Read and with other Writes.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
}

// Dialer opens a new Channel to the given URL.
type Dialer func(ctx context.Context, url string) (Channel, error)

// WebSocketDialer returns a Dialer that opens WebSockets with the given read limit.
// A nil httpClient uses http.DefaultClient.
func WebSocketDialer(httpClient *http.Client, readLimit int64) Dialer {
	return func(ctx context.Context, url string) (Channel, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: httpClient})
		if err != nil {
			return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return &wsChannel{conn: conn}, nil
	}
}

type wsChannel struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (w *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, b, err := w.conn.Read(ctx)
	return b, err
}

func (w *wsChannel) Write(ctx context.Context, b []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, b)
}

func (w *wsChannel) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return w.closeErr
}
