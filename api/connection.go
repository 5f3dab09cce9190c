package api

import (
	"errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"io"
	"net"
	"sync"
	"time"
	"zcoder.me/auth"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	defaultMaxFrameSize = 1 << 20
)

var (
	errFrameTooLarge = errors.New("inbound message exceeds size limit")
	errPeerClosed    = errors.New("peer closed the connection")
)

// connection is one websocket of an authenticated user. Frames are queued on
// send and written by a single writer goroutine; control replies from the
// reader share the writer's lock.
type connection struct {
	id       string
	identity *auth.Identity
	conn     net.Conn
	maxFrame int64

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}

	// wmu serializes whole frames on conn
	wmu sync.Mutex
}

func newConnection(conn net.Conn, identity *auth.Identity, queueSize int, maxFrame int64) *connection {
	if queueSize < 1 {
		queueSize = 1
	}
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameSize
	}
	c := &connection{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		maxFrame: maxFrame,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *connection) ID() string               { return c.id }
func (c *connection) Identity() *auth.Identity { return c.identity }

// Send queues frame without blocking. A connection whose queue is full is a
// slow consumer and gets dropped.
func (c *connection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Warnf("conn %s: send queue full, dropping slow consumer %s", c.id, c.identity.UserID)
		c.closed = true
		close(c.send)
		_ = c.conn.Close()
		return false
	}
}

// Close writes out queued frames, then closes the socket.
func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// ReadText returns the next text message. Pings are answered, binary messages
// skipped. Messages longer than maxFrame fail with errFrameTooLarge before
// their payload is buffered.
func (c *connection) ReadText() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.Length > c.maxFrame {
			return nil, errFrameTooLarge
		}

		// fragmented messages only reveal their size while being read
		b, err := io.ReadAll(io.LimitReader(rd, c.maxFrame+1))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > c.maxFrame {
			return nil, errFrameTooLarge
		}
		return b, nil
	}
}

// control handles a control frame read from the client. The close reply is
// left to the writer, which sends it when the connection is closed.
func (c *connection) control(hdr ws.Header, r io.Reader) error {
	switch hdr.OpCode {
	case ws.OpPing:
		p, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return c.write(ws.OpPong, p)
	case ws.OpClose:
		return errPeerClosed
	default:
		_, err := io.Copy(io.Discard, r)
		return err
	}
}

func (c *connection) write(op ws.OpCode, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, op, p)
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return
			}
			if err := c.write(ws.OpText, frame); err != nil {
				log.Debugf("conn %s: write: %v", c.id, err)
				return
			}
		case <-ticker.C:
			if err := c.write(ws.OpPing, []byte("ping")); err != nil {
				log.Debugf("conn %s: ping: %v", c.id, err)
				return
			}
		}
	}
}
