package transport

import (
	"context"
	"errors"
	"strings"

	"nhooyr.io/websocket"
)

const defaultWSReadLimit = 16 << 20

// WSAdapter carries frames over WebSocket text messages. Each inbound message
// is handed to the decoder as one chunk; a peer may batch several frames into
// one message.
type WSAdapter struct {
	conn *websocket.Conn
}

// NewWSAdapter wraps an established WebSocket connection. messageLimit bounds
// one whole WebSocket message, which may hold many frames, so it is unrelated
// to the decoder's frame bound. Zero picks 16 MiB.
func NewWSAdapter(conn *websocket.Conn, messageLimit int) *WSAdapter {
	if messageLimit <= 0 {
		messageLimit = defaultWSReadLimit
	}
	conn.SetReadLimit(int64(messageLimit))
	return &WSAdapter{conn: conn}
}

// DialWebSocket performs the WebSocket handshake against url.
func DialWebSocket(ctx context.Context, url string, messageLimit int) (*WSAdapter, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSAdapter(conn, messageLimit), nil
}

func (a *WSAdapter) Read(ctx context.Context) ([]byte, error) {
	_, data, err := a.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

func (a *WSAdapter) Write(ctx context.Context, p []byte) error {
	return a.conn.Write(ctx, websocket.MessageText, p)
}

func (a *WSAdapter) Ping(ctx context.Context) error {
	return a.conn.Ping(ctx)
}

func (a *WSAdapter) Close() error {
	return a.conn.Close(websocket.StatusNormalClosure, "")
}

func wsURL(network, addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return network + "://" + addr
}
