package coordinator

import (
	"context"
	"github.com/labstack/gommon/log"
	"sync"
	"sync/atomic"
	"zcoder.me/auth"
	"zcoder.me/model"
)

// roomEntry is the arena slot of one active room. room, dirty and every other
// unguarded field are owned by the entry's goroutine; other goroutines reach
// them only by enqueueing a task.
type roomEntry struct {
	id      string
	ownerID string
	room    *model.Room
	dirty   bool
	deleted atomic.Bool

	mu       sync.Mutex
	queue    []func()
	draining bool
	wake     chan struct{}
	done     chan struct{}
}

func newRoomEntry(room *model.Room) *roomEntry {
	return &roomEntry{
		id:      room.ID,
		ownerID: room.OwnerID,
		room:    room,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// enqueue admits task for in-order execution. It fails with ErrRoomClosed
// once the room is draining.
func (e *roomEntry) enqueue(task func()) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return model.ErrRoomClosed
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain stops admitting tasks; queued ones still run before the loop exits.
func (e *roomEntry) drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
}

func (e *roomEntry) isDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// loop runs tasks one at a time in admission order until the room drains.
func (e *roomEntry) loop() {
	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				stop := e.draining
				e.mu.Unlock()
				if stop {
					return
				}
				break
			}
			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			task()
		}
	}
}

// ensureRoom loads room metadata from the persistence API and overlays the
// code snapshot when it is newer than the persisted record.
func (r *Router) ensureRoom(ctx context.Context, roomID string, id *auth.Identity) (*model.Room, error) {
	room, err := r.api.GetRoom(ctx, id.Token, roomID)
	if err != nil {
		return nil, err
	}
	room.ID = roomID
	room.Participants = nil

	snap, err := r.store.GetSnapshot(roomID)
	if err != nil {
		log.Warnf("room %s: snapshot unavailable, using persisted code: %v", roomID, err)
	} else if snap != nil && (room.UpdatedAt.IsZero() || snap.UpdatedAt.After(room.UpdatedAt)) {
		room.Code = snap.Code
		if snap.LanguageID > 0 {
			room.LanguageID = snap.LanguageID
		}
	}
	if room.LanguageID <= 0 {
		room.LanguageID = model.DefaultLanguageID
	}
	return room, nil
}

// acquire returns the active entry for roomID, creating it on first access.
// A join that finds the room draining waits for eviction and starts over.
func (r *Router) acquire(ctx context.Context, roomID string, id *auth.Identity) (*roomEntry, error) {
	for {
		if e := r.lookup(roomID); e != nil {
			if !e.isDraining() {
				return e, nil
			}
			select {
			case <-e.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		room, err := r.ensureRoom(ctx, roomID, id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, model.ErrRoomClosed
		}
		if _, exists := r.rooms[roomID]; exists {
			r.mu.Unlock()
			continue
		}
		e := newRoomEntry(room)
		r.rooms[roomID] = e
		r.wg.Add(1)
		r.mu.Unlock()

		go r.run(e)
		log.Infof("room %s activated", roomID)
		return e, nil
	}
}

func (r *Router) lookup(roomID string) *roomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// run drives e until it drains, then persists or discards its buffer and
// removes it from the arena.
func (r *Router) run(e *roomEntry) {
	defer r.wg.Done()
	e.loop()

	if e.deleted.Load() {
		if err := r.store.DeleteSnapshot(e.id); err != nil {
			log.Warnf("room %s: delete snapshot: %v", e.id, err)
		}
	} else {
		r.flush(e)
	}

	r.mu.Lock()
	if r.rooms[e.id] == e {
		delete(r.rooms, e.id)
	}
	r.mu.Unlock()
	close(e.done)
	log.Infof("room %s evicted", e.id)
}

// addParticipant is idempotent and always rebroadcasts the roster so every
// tab of a rejoining user converges.
func (r *Router) addParticipant(e *roomEntry, p model.Participant) {
	e.room.AddParticipant(p)
	r.broadcastRoster(e)
}

// removeParticipant drops userID unless it still has a live connection, and
// drains the room once nobody is left.
func (r *Router) removeParticipant(e *roomEntry, userID string) {
	if r.conns.HasUser(e.id, userID) {
		return
	}
	if e.room.RemoveParticipant(userID) {
		r.broadcastRoster(e)
	}
	if len(e.room.Participants) == 0 {
		e.drain()
	}
}

// setCode overwrites the buffer. There is no version check: concurrent edits
// resolve to whichever the room processes last.
func (r *Router) setCode(e *roomEntry, code string) {
	e.room.Code = code
	e.dirty = true
}

func (r *Router) setLanguage(e *roomEntry, languageID int) {
	e.room.LanguageID = languageID
	e.dirty = true
}
