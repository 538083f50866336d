package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/moon-chat/internal/chat"
)

// Dialer opens a transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (chat.Conn, error)
}

// NetDialer dials real websocket connections.
type NetDialer struct {
	// Timeout bounds the TCP connect and the handshake. Zero means no limit
	// beyond the context.
	Timeout time.Duration
}

// Dial performs the websocket handshake with endpoint.
func (d NetDialer) Dial(ctx context.Context, endpoint string) (chat.Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	conn, br, _, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return newClientConn(conn, br), nil
}

// clientConn adapts a client side websocket to chat.Conn.
type clientConn struct {
	conn net.Conn

	// br holds frames the server sent right after the handshake. It is
	// returned to the dialer's pool on Close.
	readMu sync.Mutex
	br     *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newClientConn(conn net.Conn, br *bufio.Reader) *clientConn {
	if br != nil && br.Buffered() == 0 {
		ws.PutReader(br)
		br = nil
	}
	return &clientConn{conn: conn, br: br}
}

// Read returns the next data frame. Control frames are answered inline.
// A close handshake from the server is reported as io.EOF.
func (c *clientConn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.readMu.Lock()
	defer c.readMu.Unlock()

	var src io.Reader = c.conn
	if c.br != nil {
		src = c.br
	}
	data, err := c.readData(src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, normalizeReadError(err)
	}
	return data, nil
}

// readData reads frames from src until a text or binary one arrives.
// Replies to pings and close frames share writeMu with Write.
func (c *clientConn) readData(src io.Reader) ([]byte, error) {
	control := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	handle := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return control(h, r)
	}
	rd := wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: handle,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := handle(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// Write sends data as one text frame.
func (c *clientConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Close sends a normal closure frame and closes the socket. It is safe to
// call more than once.
func (c *clientConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()

		c.readMu.Lock()
		if c.br != nil {
			ws.PutReader(c.br)
			c.br = nil
		}
		c.readMu.Unlock()
	})
	return c.closeErr
}

func (c *clientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func normalizeReadError(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case ws.StatusNormalClosure, ws.StatusGoingAway, ws.StatusNoStatusRcvd:
			return io.EOF
		}
		return fmt.Errorf("connection closed with status %d: %w", closed.Code, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
