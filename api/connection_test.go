package api

import (
	"fmt"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"strings"
	"testing"
	"time"
	"zcoder.me/auth"
)

func clientFrame(op ws.OpCode, fin bool, p string) ws.Frame {
	return ws.MaskFrame(ws.NewFrame(op, fin, []byte(p)))
}

func TestConnectionCloseFlushesQueue(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection(server, &auth.Identity{UserID: "u1"}, 8, 0)

	require.True(t, c.Send([]byte(`{"event":"a"}`)))
	require.True(t, c.Send([]byte(`{"event":"b"}`)))
	require.NoError(t, c.Close())
	assert.False(t, c.Send([]byte(`{"event":"c"}`)), "closed connections refuse frames")

	for _, want := range []string{`{"event":"a"}`, `{"event":"b"}`} {
		b, err := wsutil.ReadServerText(peer)
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
	_, err := wsutil.ReadServerText(peer)
	assert.Error(t, err)

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("writer did not exit")
	}
	assert.NoError(t, c.Close())
}

func TestConnectionDropsSlowConsumer(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection(server, &auth.Identity{UserID: "u1"}, 1, 0)

	require.True(t, c.Send([]byte("first")))
	require.Eventually(t, func() bool { return len(c.send) == 0 }, time.Second, time.Millisecond)
	require.True(t, c.Send([]byte("second")))

	assert.False(t, c.Send([]byte("third")))
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("writer did not exit")
	}
	assert.False(t, c.Send([]byte("fourth")))
}

func TestConnectionPongsDoNotInterleaveWithFrames(t *testing.T) {
	const n = 50
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection(server, &auth.Identity{UserID: "u1"}, n, 0)
	defer c.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := c.ReadText()
		readErr <- err
	}()

	type frame struct {
		op      ws.OpCode
		payload string
	}
	frames := make(chan frame, 2*n)
	go func() {
		for i := 0; i < 2*n; i++ {
			hdr, err := ws.ReadHeader(peer)
			if err != nil {
				close(frames)
				return
			}
			p := make([]byte, hdr.Length)
			if _, err := io.ReadFull(peer, p); err != nil {
				close(frames)
				return
			}
			frames <- frame{op: hdr.OpCode, payload: string(p)}
		}
		close(frames)
	}()

	go func() {
		for i := 0; i < n; i++ {
			c.Send([]byte(fmt.Sprintf(`{"event":"e%d"}`, i)))
		}
	}()
	for i := 0; i < n; i++ {
		require.NoError(t, ws.WriteFrame(peer, clientFrame(ws.OpPing, true, fmt.Sprintf("p%d", i))))
	}

	var texts, pongs int
	for f := range frames {
		switch f.op {
		case ws.OpText:
			assert.Equal(t, fmt.Sprintf(`{"event":"e%d"}`, texts), f.payload)
			texts++
		case ws.OpPong:
			assert.Equal(t, fmt.Sprintf("p%d", pongs), f.payload)
			pongs++
		default:
			t.Fatalf("unexpected opcode %v", f.op)
		}
	}
	assert.Equal(t, n, texts)
	assert.Equal(t, n, pongs)

	require.NoError(t, ws.WriteFrame(peer, clientFrame(ws.OpClose, true, "")))
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, errPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("reader did not see the close frame")
	}
}

func TestConnectionReadsFragmentedText(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConnection(server, &auth.Identity{UserID: "u1"}, 8, 16)
	defer c.Close()

	go func() {
		_ = ws.WriteFrame(peer, clientFrame(ws.OpText, false, "hello "))
		_ = ws.WriteFrame(peer, clientFrame(ws.OpContinuation, true, "world"))
	}()

	b, err := c.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
}

func TestConnectionRejectsOversizedMessages(t *testing.T) {
	t.Run("single frame", func(t *testing.T) {
		server, peer := net.Pipe()
		c := newConnection(server, &auth.Identity{UserID: "u1"}, 8, 16)

		go func() { _ = ws.WriteFrame(peer, clientFrame(ws.OpText, true, strings.Repeat("x", 64))) }()

		_, err := c.ReadText()
		assert.ErrorIs(t, err, errFrameTooLarge)
		_ = c.Close()
		_ = peer.Close()
	})

	t.Run("fragments", func(t *testing.T) {
		server, peer := net.Pipe()
		c := newConnection(server, &auth.Identity{UserID: "u1"}, 8, 16)

		go func() {
			_ = ws.WriteFrame(peer, clientFrame(ws.OpText, false, strings.Repeat("x", 10)))
			_ = ws.WriteFrame(peer, clientFrame(ws.OpContinuation, false, strings.Repeat("x", 10)))
			_ = ws.WriteFrame(peer, clientFrame(ws.OpContinuation, true, strings.Repeat("x", 10)))
		}()

		_, err := c.ReadText()
		assert.ErrorIs(t, err, errFrameTooLarge)
		_ = c.Close()
		_ = peer.Close()
	})
}
