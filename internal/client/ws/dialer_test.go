package ws_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gobws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	ws "github.com/omochice/moon-chat/internal/client/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetDialer_ConnectSendAndServerClose(t *testing.T) {
	received := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := gobws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := wsutil.WriteServerText(conn, []byte(`{"type":"connection","message":"Connected"}`)); err != nil {
			return
		}
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		received <- data
		wsutil.WriteServerMessage(conn, gobws.OpClose, gobws.NewCloseFrameBody(gobws.StatusNormalClosure, ""))
	}))
	defer server.Close()

	sched := &fakeScheduler{}
	rec := newRecorder()
	m := ws.NewManager(ws.Options{
		Dialer:   ws.NetDialer{Timeout: time.Second},
		Schedule: sched.Schedule,
	})
	m.SetHandlers(rec.handlers())
	defer m.Disconnect()

	m.Connect("ws" + strings.TrimPrefix(server.URL, "http"))

	select {
	case raw := <-rec.envelopes:
		assert.JSONEq(t, `{"type":"connection","message":"Connected"}`, string(raw))
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for connection ack")
	}
	require.True(t, m.State().Connected)

	require.NoError(t, m.Send("hello", ""))
	select {
	case data := <-received:
		assert.Contains(t, string(data), `"content":"hello"`)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for message")
	}

	require.Eventually(t, m.ReconnectPending, waitFor, tick)
	assert.Equal(t, int32(1), rec.closes.Load())
	assert.Empty(t, m.State().LastError)
}

func TestNetDialer_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	sched := &fakeScheduler{}
	rec := newRecorder()
	m := ws.NewManager(ws.Options{
		Dialer:   ws.NetDialer{Timeout: time.Second},
		Schedule: sched.Schedule,
	})
	m.SetHandlers(rec.handlers())
	defer m.Disconnect()

	m.Connect(url)

	select {
	case err := <-rec.errs:
		assert.ErrorContains(t, err, "failed to connect to server")
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for error")
	}
	require.Eventually(t, m.ReconnectPending, waitFor, tick)
	assert.False(t, m.State().Connected)
}
