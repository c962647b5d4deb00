package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Adapter is the raw duplex connection underneath a ClientTransport. Read
// returns whatever arrived next; for a stream that is an arbitrary slice of the
// byte stream, for a message transport it is one whole message. The returned
// slice is only valid until the next Read.
type Adapter interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Pinger is implemented by adapters with a transport-level liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readBufferSize = 32 * 1024

// TCPAdapter reads a net.Conn in chunks.
type TCPAdapter struct {
	conn net.Conn
	buf  []byte
}

// NewTCPAdapter wraps an established connection.
func NewTCPAdapter(conn net.Conn) *TCPAdapter {
	return &TCPAdapter{conn: conn, buf: make([]byte, readBufferSize)}
}

func (a *TCPAdapter) Read(ctx context.Context) ([]byte, error) {
	n, err := a.conn.Read(a.buf)
	return a.buf[:n], err
}

func (a *TCPAdapter) Write(ctx context.Context, p []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		a.conn.SetWriteDeadline(deadline)
		defer a.conn.SetWriteDeadline(time.Time{})
	}
	_, err := a.conn.Write(p)
	return err
}

func (a *TCPAdapter) Close() error {
	return a.conn.Close()
}

// Conn returns the underlying connection.
func (a *TCPAdapter) Conn() net.Conn {
	return a.conn
}

// DialTCP connects to addr with OS-level keepalive probes every keepAlive.
func DialTCP(ctx context.Context, addr string, keepAlive time.Duration) (*TCPAdapter, error) {
	d := net.Dialer{KeepAlive: keepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPAdapter(conn), nil
}

// DialOptions tunes Dial.
type DialOptions struct {
	KeepAlive time.Duration
	// MaxMessageSize bounds one inbound WebSocket message. Frame size is
	// enforced by the transport's decoder, not here. Zero picks 16 MiB.
	MaxMessageSize int
}

var ErrUnknownNetwork = errors.New("transport: unknown network")

// Dial opens an adapter for network "tcp", "ws" or "wss". For the WebSocket
// networks addr may be a bare host:port or a full URL.
func Dial(ctx context.Context, network, addr string, opts DialOptions) (Adapter, error) {
	switch network {
	case "", "tcp":
		return DialTCP(ctx, addr, opts.KeepAlive)
	case "ws", "wss":
		return DialWebSocket(ctx, wsURL(network, addr), opts.MaxMessageSize)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
}
