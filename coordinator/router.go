package coordinator

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"sync"
	"time"
	"zcoder.me/auth"
	"zcoder.me/model"
	"zcoder.me/persistence"
	"zcoder.me/pkg/msgbroker"
	"zcoder.me/pkg/websocket"
	"zcoder.me/sandbox"
	"zcoder.me/storage"
)

// Options configure a Router.
type Options struct {
	API            persistence.API
	Store          storage.Storage
	Executor       sandbox.Executor
	Broker         msgbroker.MessageBroker
	MaxWorkers     int
	SandboxTimeout time.Duration
}

// Router owns every active room. Events for one room run strictly in arrival
// order on that room's goroutine; different rooms run in parallel.
type Router struct {
	api    persistence.API
	store  storage.Storage
	broker msgbroker.MessageBroker
	conns  *Connections
	relay  *Relay

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool
	wg     sync.WaitGroup
}

func NewRouter(o Options) *Router {
	r := &Router{
		api:    o.API,
		store:  o.Store,
		broker: o.Broker,
		conns:  NewConnections(),
		rooms:  make(map[string]*roomEntry),
	}
	r.relay = NewRelay(o.Executor, o.MaxWorkers, o.SandboxTimeout, r)
	return r
}

// Handle processes one inbound frame from conn. Failures are reported to conn
// only and never broadcast.
func (r *Router) Handle(ctx context.Context, conn Conn, frame []byte) {
	name, req, err := websocket.Parse(frame)
	if err != nil {
		log.Warnf("conn %s: %v", conn.ID(), err)
		r.reply(conn, err)
		return
	}

	switch req := req.(type) {
	case *websocket.JoinRoom:
		err = r.join(ctx, conn, req)
	case *websocket.CodeChange:
		err = r.codeChange(conn, req)
	case *websocket.SendMessage:
		err = r.sendMessage(conn, req)
	case *websocket.RunCode:
		err = r.runCode(conn, req)
	case *websocket.LanguageChange:
		err = r.languageChange(conn, req)
	case *websocket.LeaveRoom:
		err = r.leave(ctx, conn, req)
	case *websocket.DeleteRoom:
		err = r.DeleteRoom(ctx, conn.Identity(), req.RoomID)
	}
	if err != nil {
		log.Infof("conn %s: %s rejected: %v", conn.ID(), name, err)
		r.reply(conn, err)
	}
}

// Disconnect cleans up after a transport close of any kind. It is safe to call
// more than once.
func (r *Router) Disconnect(conn Conn) {
	b, last, ok := r.conns.Unregister(conn)
	if !ok || !last {
		return
	}
	r.reconcile(b)
}

func (r *Router) join(ctx context.Context, conn Conn, req *websocket.JoinRoom) error {
	id := conn.Identity()
	if id == nil || id.UserID != req.User.ID {
		return model.ErrUnauthorized
	}

	for {
		e, err := r.acquire(ctx, req.RoomID, id)
		if err != nil {
			return err
		}

		result := make(chan error, 1)
		err = e.enqueue(func() {
			result <- r.joinTask(e, conn, req.User)
		})
		if err == nil {
			err = <-result
		}
		if errors.Is(err, model.ErrRoomClosed) {
			select {
			case <-e.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
}

func (r *Router) joinTask(e *roomEntry, conn Conn, user model.Participant) error {
	if e.isDraining() {
		return model.ErrRoomClosed
	}
	if e.room.Visibility == model.Private && !e.room.IsMember(user.ID) {
		if len(e.room.Participants) == 0 {
			e.drain()
		}
		return model.ErrRoomForbidden
	}

	prev, moved := r.conns.Register(conn, user.ID, e.id)
	if moved && !r.conns.HasUser(prev.RoomID, prev.UserID) {
		r.reconcile(prev)
	}

	conn.Send(websocket.MustEncode(websocket.EventCodeUpdate, &websocket.CodeUpdate{Code: e.room.Code}))
	conn.Send(websocket.MustEncode(websocket.EventLanguageUpdate, &websocket.LanguageUpdate{LanguageID: e.room.LanguageID}))
	r.addParticipant(e, user)

	if _, err := r.store.IncrVisits(); err != nil {
		log.Warn(err)
	}
	log.Infof("user %s joined room %s via conn %s", user.ID, e.id, conn.ID())
	return nil
}

// reconcile asks b's room to drop the user if no connection remains.
func (r *Router) reconcile(b Binding) {
	e := r.lookup(b.RoomID)
	if e == nil {
		return
	}
	err := e.enqueue(func() {
		r.removeParticipant(e, b.UserID)
	})
	if err != nil {
		log.Debugf("room %s: reconcile %s skipped: %v", b.RoomID, b.UserID, err)
	}
}

// bound returns the entry of the room conn joined, checking it is roomID.
func (r *Router) bound(conn Conn, roomID string) (*roomEntry, Binding, error) {
	b, ok := r.conns.Binding(conn)
	if !ok || b.RoomID != roomID {
		return nil, b, model.ErrNotJoined
	}
	e := r.lookup(roomID)
	if e == nil {
		return nil, b, model.ErrNotJoined
	}
	return e, b, nil
}

func (r *Router) codeChange(conn Conn, req *websocket.CodeChange) error {
	e, _, err := r.bound(conn, req.RoomID)
	if err != nil {
		return err
	}
	code := *req.Code
	return e.enqueue(func() {
		r.setCode(e, code)
		r.broadcast(e.id, websocket.MustEncode(websocket.EventCodeUpdate, &websocket.CodeUpdate{Code: code}), conn)
	})
}

func (r *Router) languageChange(conn Conn, req *websocket.LanguageChange) error {
	e, _, err := r.bound(conn, req.RoomID)
	if err != nil {
		return err
	}
	return e.enqueue(func() {
		r.setLanguage(e, req.LanguageID)
		r.broadcast(e.id, websocket.MustEncode(websocket.EventLanguageUpdate, &websocket.LanguageUpdate{LanguageID: req.LanguageID}), conn)
	})
}

// sendMessage fans chat out to every connection but the originating one,
// which has already appended the message locally.
func (r *Router) sendMessage(conn Conn, req *websocket.SendMessage) error {
	e, b, err := r.bound(conn, req.RoomID)
	if err != nil {
		return err
	}
	if req.User.ID != "" && req.User.ID != b.UserID {
		return model.ErrUnauthorized
	}
	return e.enqueue(func() {
		msg := model.ChatMessage{User: req.User, Message: req.Message}
		for _, p := range e.room.Participants {
			if p.ID == b.UserID {
				msg.User = p
				break
			}
		}
		r.broadcast(e.id, websocket.MustEncode(websocket.EventReceiveMessage, &msg), conn)
	})
}

func (r *Router) runCode(conn Conn, req *websocket.RunCode) error {
	if _, _, err := r.bound(conn, req.RoomID); err != nil {
		return err
	}
	return r.relay.Submit(&model.ExecutionRequest{
		ID:         uuid.New().String(),
		RoomID:     req.RoomID,
		Code:       req.Code,
		LanguageID: req.LanguageID,
		Stdin:      req.Stdin,
	})
}

// leave is an explicit departure: the persistence API is told first, then the
// connection is released and stays open for another join.
func (r *Router) leave(ctx context.Context, conn Conn, req *websocket.LeaveRoom) error {
	if _, _, err := r.bound(conn, req.RoomID); err != nil {
		return err
	}
	if id := conn.Identity(); id != nil {
		if err := r.api.LeaveRoom(ctx, id.Token, req.RoomID); err != nil {
			log.Warnf("room %s: persistence leave for %s: %v", req.RoomID, id.UserID, err)
		}
	}
	r.Disconnect(conn)
	return nil
}

// DeleteRoom deletes the room record on behalf of id and evicts every
// connection. Only the owner may delete an active room.
func (r *Router) DeleteRoom(ctx context.Context, id *auth.Identity, roomID string) error {
	if id == nil {
		return model.ErrUnauthorized
	}
	if e := r.lookup(roomID); e != nil && e.ownerID != "" && e.ownerID != id.UserID {
		return model.ErrRoomForbidden
	}
	if err := r.api.DeleteRoom(ctx, id.Token, roomID); err != nil {
		return err
	}

	r.Evict(roomID)
	if r.broker != nil {
		if err := r.broker.Publish([]byte(roomID), msgbroker.RoomDeletedPrefix+roomID); err != nil {
			log.Warnf("room %s: publish deletion: %v", roomID, err)
		}
	}
	return nil
}

// Evict drops a deleted room: connections are told and closed, the code
// snapshot is discarded. Repeated calls are harmless.
func (r *Router) Evict(roomID string) {
	e := r.lookup(roomID)
	if e == nil {
		if err := r.store.DeleteSnapshot(roomID); err != nil {
			log.Warnf("room %s: delete snapshot: %v", roomID, err)
		}
		return
	}

	e.deleted.Store(true)
	err := e.enqueue(func() {
		e.drain()
		frame := websocket.MustEncode(websocket.EventRoomDeleted, &websocket.RoomDeleted{RoomID: roomID})
		for _, conn := range r.conns.ConnectionsFor(roomID) {
			conn.Send(frame)
			r.conns.Unregister(conn)
			_ = conn.Close()
		}
		e.room.Participants = nil
	})
	if err != nil {
		// Already draining; the exit path may have flushed before seeing the flag.
		<-e.done
		if err := r.store.DeleteSnapshot(roomID); err != nil {
			log.Warnf("room %s: delete snapshot: %v", roomID, err)
		}
	}
	log.Infof("room %s deleted", roomID)
}

// PublishResult delivers an execution result to the room that asked for it.
// Results for rooms that are gone are dropped.
func (r *Router) PublishResult(res *model.ExecutionResult) {
	frame := websocket.MustEncode(websocket.EventExecutionResult, &websocket.ExecutionResult{
		Output:    res.Output,
		Error:     res.Failed,
		RequestID: res.ID,
	})

	e := r.lookup(res.RoomID)
	if e == nil {
		log.Infof("room %s: discarding result %s, room is gone", res.RoomID, res.ID)
		return
	}
	err := e.enqueue(func() {
		r.broadcast(e.id, frame, nil)
	})
	if err != nil {
		log.Infof("room %s: discarding result %s: %v", res.RoomID, res.ID, err)
	}
}

// FlushSnapshots asks every active room to persist its buffer if it changed.
func (r *Router) FlushSnapshots() {
	r.mu.Lock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e := e
		_ = e.enqueue(func() { r.flush(e) })
	}
}

func (r *Router) flush(e *roomEntry) {
	if !e.dirty {
		return
	}
	err := r.store.SaveSnapshot(e.id, &storage.Snapshot{
		Code:       e.room.Code,
		LanguageID: e.room.LanguageID,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		log.Errorf("room %s: save snapshot: %v", e.id, err)
		return
	}
	e.dirty = false
}

func (r *Router) broadcast(roomID string, frame []byte, except Conn) {
	for _, conn := range r.conns.ConnectionsFor(roomID) {
		if conn != except {
			conn.Send(frame)
		}
	}
}

func (r *Router) broadcastRoster(e *roomEntry) {
	frame := websocket.MustEncode(websocket.EventParticipantsUpdate, &websocket.ParticipantsUpdate{
		Participants: e.room.Roster(),
	})
	r.broadcast(e.id, frame, nil)
}

func (r *Router) reply(conn Conn, err error) {
	code := model.ErrorCode(err)
	if errors.Is(err, websocket.ErrMalformedEvent) {
		code = "malformed_event"
	}
	conn.Send(websocket.MustEncode(websocket.EventError, &websocket.Error{Code: code, Message: err.Error()}))
}

// Stats reports active rooms and bound connections.
func (r *Router) Stats() (rooms int, connections int) {
	r.mu.Lock()
	rooms = len(r.rooms)
	r.mu.Unlock()
	return rooms, r.conns.Count()
}

// Close drains every room, flushing buffers, and waits for running
// executions to report.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	r.relay.Close()
	for _, e := range entries {
		e := e
		_ = e.enqueue(e.drain)
	}
	r.wg.Wait()
}
