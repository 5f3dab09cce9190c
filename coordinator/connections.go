package coordinator

import (
	"sync"
	"zcoder.me/auth"
)

// Conn is one live transport connection as seen by the coordinator.
type Conn interface {
	ID() string
	Identity() *auth.Identity
	// Send queues frame for delivery without blocking. It returns false when
	// the connection is closed or could not keep up and has been dropped.
	Send(frame []byte) bool
	Close() error
}

// Binding is the (room, user) pair a connection is registered to.
type Binding struct {
	RoomID string
	UserID string
}

// Connections maps live connections to the room they joined. A connection is
// bound to at most one room; a user may hold several connections.
type Connections struct {
	mu    sync.RWMutex
	bound map[Conn]Binding
	rooms map[string]map[string]map[Conn]struct{}
}

func NewConnections() *Connections {
	return &Connections{
		bound: make(map[Conn]Binding),
		rooms: make(map[string]map[string]map[Conn]struct{}),
	}
}

// Register binds conn to (userID, roomID). If conn was bound elsewhere the old
// binding is dropped and returned with moved set.
func (c *Connections) Register(conn Conn, userID, roomID string) (prev Binding, moved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.bound[conn]; ok {
		if old.RoomID == roomID && old.UserID == userID {
			return old, false
		}
		c.remove(conn, old)
		prev, moved = old, true
	}

	c.bound[conn] = Binding{RoomID: roomID, UserID: userID}
	users, ok := c.rooms[roomID]
	if !ok {
		users = make(map[string]map[Conn]struct{})
		c.rooms[roomID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[Conn]struct{})
		users[userID] = conns
	}
	conns[conn] = struct{}{}
	return prev, moved
}

// Unregister drops conn. It is idempotent; ok is false when conn was not
// bound. last reports whether conn was the user's final connection in the room.
func (c *Connections) Unregister(conn Conn) (b Binding, last bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok = c.bound[conn]
	if !ok {
		return Binding{}, false, false
	}
	last = c.remove(conn, b)
	return b, last, true
}

func (c *Connections) remove(conn Conn, b Binding) bool {
	delete(c.bound, conn)
	users := c.rooms[b.RoomID]
	conns := users[b.UserID]
	delete(conns, conn)
	if len(conns) > 0 {
		return false
	}
	delete(users, b.UserID)
	if len(users) == 0 {
		delete(c.rooms, b.RoomID)
	}
	return true
}

func (c *Connections) Binding(conn Conn) (Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bound[conn]
	return b, ok
}

// ConnectionsFor returns a snapshot of the connections bound to roomID.
func (c *Connections) ConnectionsFor(roomID string) []Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Conn
	for _, conns := range c.rooms[roomID] {
		for conn := range conns {
			result = append(result, conn)
		}
	}
	return result
}

func (c *Connections) HasUser(roomID, userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[roomID][userID]) > 0
}

func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bound)
}
