package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/omochice/moon-chat/internal/api"
	"github.com/omochice/moon-chat/internal/chat"
	"github.com/omochice/moon-chat/internal/session"
	"github.com/omochice/moon-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestView_PrintsFinalizedMessagesOnce(t *testing.T) {
	var buf bytes.Buffer
	v := newView(&buf)
	st := session.State{Status: session.StatusOnline, Connected: true}

	msgs := []chat.Message{
		{ID: "1", Sender: protocol.SenderUser, Content: "hello"},
		{ID: "m1", Sender: protocol.SenderAI, Content: "Hi", IsStreaming: true},
	}
	v.render(st, msgs, false)
	v.render(st, msgs, false)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "hello"))
	assert.NotContains(t, out, "Hi")
	assert.Equal(t, 1, strings.Count(out, "online"))

	msgs[1].IsStreaming = false
	msgs[1].Content = "Hi there"
	v.render(st, msgs, false)
	assert.Contains(t, buf.String(), "Hi there")
}

func TestView_StatusAndTyping(t *testing.T) {
	var buf bytes.Buffer
	v := newView(&buf)

	v.render(session.State{Status: session.StatusOffline, ConnectionError: "Cannot send message: not connected"}, nil, false)
	v.render(session.State{Status: session.StatusOnline}, nil, true)
	v.render(session.State{Status: session.StatusOnline}, nil, true)

	out := buf.String()
	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "Cannot send message: not connected")
	assert.Equal(t, 1, strings.Count(out, "AI is typing..."))
}

func TestView_FailedMessage(t *testing.T) {
	line := messageLine(chat.Message{Sender: protocol.SenderUser, Content: "x", Failed: true})
	assert.Contains(t, line, "(not sent)")
}

func TestView_Backend(t *testing.T) {
	var buf bytes.Buffer
	v := newView(&buf)

	v.backend(api.Status{Loading: true})
	assert.Empty(t, buf.String())

	v.backend(api.Status{Connected: true, Health: &api.Health{Status: "healthy", Version: "0.1.0"}})
	v.backend(api.Status{Connected: true, Health: &api.Health{Status: "healthy", Version: "0.1.0"}})
	assert.Equal(t, 1, strings.Count(buf.String(), "healthy"))
}

func TestView_Files(t *testing.T) {
	var buf bytes.Buffer
	v := newView(&buf)

	v.files([]api.FileNode{
		{Name: "docs", Path: "/docs", Type: api.NodeFolder},
		{Name: "main.go", Path: "/main.go", Type: api.NodeFile},
	})

	out := buf.String()
	assert.Contains(t, out, "docs/")
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, "code")
}
