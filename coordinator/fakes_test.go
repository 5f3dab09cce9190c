package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
	"zcoder.me/auth"
	"zcoder.me/model"
	"zcoder.me/pkg/msgbroker"
	"zcoder.me/pkg/websocket"
	"zcoder.me/storage"
)

type fakeConn struct {
	id       string
	identity *auth.Identity

	mu     sync.Mutex
	frames []websocket.Event
	closed bool
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{
		id:       uuid.New().String(),
		identity: &auth.Identity{UserID: userID, Token: "tok-" + userID},
	}
}

func (c *fakeConn) ID() string               { return c.id }
func (c *fakeConn) Identity() *auth.Identity { return c.identity }

func (c *fakeConn) Send(frame []byte) bool {
	var ev websocket.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, ev)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) named(name string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, ev := range c.frames {
		if ev.Name == name {
			out = append(out, ev.Data)
		}
	}
	return out
}

func (c *fakeConn) count(name string) int {
	return len(c.named(name))
}

func (c *fakeConn) codeUpdates(t *testing.T) []string {
	var out []string
	for _, raw := range c.named(websocket.EventCodeUpdate) {
		var u websocket.CodeUpdate
		require.NoError(t, json.Unmarshal(raw, &u))
		out = append(out, u.Code)
	}
	return out
}

func (c *fakeConn) lastRoster(t *testing.T) []model.Participant {
	updates := c.named(websocket.EventParticipantsUpdate)
	require.NotEmpty(t, updates, "no roster received")
	var u websocket.ParticipantsUpdate
	require.NoError(t, json.Unmarshal(updates[len(updates)-1], &u))
	return u.Participants
}

func (c *fakeConn) errorCodes(t *testing.T) []string {
	var out []string
	for _, raw := range c.named(websocket.EventError) {
		var e websocket.Error
		require.NoError(t, json.Unmarshal(raw, &e))
		out = append(out, e.Code)
	}
	return out
}

func (c *fakeConn) results(t *testing.T) []websocket.ExecutionResult {
	var out []websocket.ExecutionResult
	for _, raw := range c.named(websocket.EventExecutionResult) {
		var r websocket.ExecutionResult
		require.NoError(t, json.Unmarshal(raw, &r))
		out = append(out, r)
	}
	return out
}

type fakeAPI struct {
	mu      sync.Mutex
	rooms   map[string]model.Room
	gets    int
	leaves  []string
	deletes []string
}

func newFakeAPI(rooms ...model.Room) *fakeAPI {
	api := &fakeAPI{rooms: make(map[string]model.Room)}
	for _, r := range rooms {
		api.rooms[r.ID] = r
	}
	return api
}

func (a *fakeAPI) GetRoom(_ context.Context, _ string, roomID string) (*model.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	room, ok := a.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrRoomNotFound, roomID)
	}
	room.Members = append([]string(nil), room.Members...)
	return &room, nil
}

func (a *fakeAPI) DeleteRoom(_ context.Context, _ string, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[roomID]; !ok {
		return model.ErrRoomNotFound
	}
	delete(a.rooms, roomID)
	a.deletes = append(a.deletes, roomID)
	return nil
}

func (a *fakeAPI) LeaveRoom(_ context.Context, token string, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves = append(a.leaves, token+"@"+roomID)
	return nil
}

func (a *fakeAPI) getCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gets
}

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string]storage.Snapshot
	visits    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[string]storage.Snapshot)}
}

func (s *fakeStore) SaveSnapshot(roomID string, snap *storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = *snap
	return nil
}

func (s *fakeStore) GetSnapshot(roomID string) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[roomID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *fakeStore) DeleteSnapshot(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, roomID)
	return nil
}

func (s *fakeStore) snapshot(roomID string) (storage.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[roomID]
	return snap, ok
}

func (s *fakeStore) IncrVisits() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits++
	return s.visits, nil
}

func (s *fakeStore) GetVisitsByDate(time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits, nil
}

type fakeExecutor struct {
	fn func(ctx context.Context, req *model.ExecutionRequest) (string, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, req *model.ExecutionRequest) (string, error) {
	return e.fn(ctx, req)
}

type fakeBroker struct {
	mu        sync.Mutex
	published []string
}

func (b *fakeBroker) Publish(msg []byte, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel)
	return nil
}

func (b *fakeBroker) Subscribe(string, msgbroker.MessageHandler) error { return nil }
func (b *fakeBroker) Unsubscribe(...string) error                     { return nil }
func (b *fakeBroker) Close() error                                    { return nil }

type fakePublisher struct {
	mu      sync.Mutex
	results []*model.ExecutionResult
}

func (p *fakePublisher) PublishResult(res *model.ExecutionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

func (p *fakePublisher) all() []*model.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.ExecutionResult(nil), p.results...)
}
