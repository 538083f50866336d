package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overlapConn records whether two writes were ever in flight at once.
type overlapConn struct {
	net.Conn
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (c *overlapConn) Write(p []byte) (int, error) {
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inflight.Add(-1)
	time.Sleep(20 * time.Microsecond)
	return c.Conn.Write(p)
}

func TestConn_PongsDoNotInterleaveWithWrites(t *testing.T) {
	serverSide, peer := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		peer.Close()
	})
	go io.Copy(io.Discard, peer)
	go func() {
		for range 200 {
			if err := ws.WriteFrame(peer, ws.MaskFrameInPlace(ws.NewPingFrame([]byte("hb")))); err != nil {
				return
			}
		}
		ws.WriteFrame(peer, ws.MaskFrameInPlace(ws.NewTextFrame([]byte("done"))))
	}()

	oc := &overlapConn{Conn: serverSide}
	c := NewConn(oc, nil, "pipe")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Write(context.Background(), []byte(`{"type":"stream_token"}`)))
		}()
	}

	data, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
	wg.Wait()
	assert.False(t, oc.overlap.Load(), "control reply written concurrently with a data frame")
}
