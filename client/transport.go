package client

import (
	"context"
	"errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"io"
	"net"
	"net/url"
	"sync"
)

// ErrTransportClosed is returned by Read once the coordinator closed the socket.
var ErrTransportClosed = errors.New("transport closed by peer")

// Transport carries event frames over one live connection.
type Transport interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer opens a fresh Transport on every call.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebsocketDialer connects to the coordinator websocket endpoint, passing the
// session token as a query parameter.
type WebsocketDialer struct {
	URL   string
	Token string
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", d.Token)
	u.RawQuery = q.Encode()

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, err
	}
	t := &wsTransport{conn: conn, src: conn}
	if br != nil {
		t.src = io.MultiReader(br, conn)
	}
	return t, nil
}

// wsTransport writes whole frames under mu, so control replies sent by the
// reader never interleave with caller frames.
type wsTransport struct {
	conn net.Conn
	src  io.Reader
	mu   sync.Mutex
}

func (t *wsTransport) Read() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:    t.src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}

		switch {
		case hdr.OpCode == ws.OpPing:
			p, err := io.ReadAll(rd)
			if err != nil {
				return nil, err
			}
			if err := t.write(ws.OpPong, p); err != nil {
				return nil, err
			}
		case hdr.OpCode == ws.OpClose:
			_ = t.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return nil, ErrTransportClosed
		case hdr.OpCode == ws.OpText:
			return io.ReadAll(rd)
		default:
			if err := rd.Discard(); err != nil {
				return nil, err
			}
		}
	}
}

func (t *wsTransport) Write(frame []byte) error {
	return t.write(ws.OpText, frame)
}

func (t *wsTransport) write(op ws.OpCode, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsutil.WriteClientMessage(t.conn, op, p)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
