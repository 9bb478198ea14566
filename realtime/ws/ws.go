package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 2 * time.Second

var ErrConnClosed = errors.New("websocket connection closed")

// Conn wraps a gorilla/websocket connection with context-aware I/O.
//
// Reads must come from a single goroutine. Writes may come from many goroutines and
// are serialized internally. Close and CloseWithStatus take effect once.
type Conn struct {
	c *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadLimit       int64                      // Max inbound message size; 0 keeps gorilla's default (unlimited).
	CheckOrigin     func(r *http.Request) bool // Optional origin check.
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{c: c}, nil
}

// DialOptions configures a client-side handshake.
type DialOptions struct {
	Header    http.Header
	Dialer    *websocket.Dialer
	ReadLimit int64
}

// Dial opens a websocket connection; the handshake honors ctx's deadline.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{c: c}, resp, nil
}

// ReadMessage reads one message. Cancelling ctx unblocks an in-flight read and
// surfaces ctx.Err().
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	_ = c.c.SetReadDeadline(deadline) // zero deadline clears
	stop := c.wakeOnDone(ctx, c.c.SetReadDeadline)
	defer stop()

	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, mapTimeout(ctx, err, deadline, hasDeadline)
	}
	return mt, b, nil
}

// WriteMessage writes one message, serialized with every other writer.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	deadline, hasDeadline := ctx.Deadline()
	_ = c.c.SetWriteDeadline(deadline)
	stop := c.wakeOnDone(ctx, c.c.SetWriteDeadline)
	defer stop()

	if err := c.c.WriteMessage(messageType, data); err != nil {
		return mapTimeout(ctx, err, deadline, hasDeadline)
	}
	return nil
}

// wakeOnDone forces a blocked read or write to return once ctx ends.
func (c *Conn) wakeOnDone(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	var active atomic.Bool
	active.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		active.Store(false)
		stop()
	}
}

func mapTimeout(ctx context.Context, err error, deadline time.Time, hasDeadline bool) error {
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	// The socket deadline can fire slightly ahead of the context timer.
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// Close closes the connection without a close frame.
func (c *Conn) Close() error {
	return c.CloseWithStatus(-1, "")
}

// CloseWithStatus sends a close frame with code and reason, then closes the connection.
// A negative code skips the close frame. Only the first call has any effect.
func (c *Conn) CloseWithStatus(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed.Store(true)
		if code >= 0 {
			_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
		}
		c.writeMu.Unlock()
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}
