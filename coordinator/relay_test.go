package coordinator

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"zcoder.me/model"
)

// gatedExecutor blocks every run until released and records the highest
// number of runs seen in flight for a single room.
type gatedExecutor struct {
	release chan struct{}
	once    sync.Once

	mu       sync.Mutex
	inFlight map[string]int
	peak     map[string]int
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		release:  make(chan struct{}),
		inFlight: make(map[string]int),
		peak:     make(map[string]int),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, req *model.ExecutionRequest) (string, error) {
	g.mu.Lock()
	g.inFlight[req.RoomID]++
	if g.inFlight[req.RoomID] > g.peak[req.RoomID] {
		g.peak[req.RoomID] = g.inFlight[req.RoomID]
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight[req.RoomID]--
		g.mu.Unlock()
	}()

	select {
	case <-g.release:
		return "ran " + req.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedExecutor) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gatedExecutor) running(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[roomID]
}

func (g *gatedExecutor) peakFor(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak[roomID]
}

func request(id, roomID string) *model.ExecutionRequest {
	return &model.ExecutionRequest{ID: id, RoomID: roomID, Code: "print(1)", LanguageID: 71}
}

func TestRelayQueuesOneThenRejects(t *testing.T) {
	exec := newGatedExecutor()
	pub := &fakePublisher{}
	relay := NewRelay(exec, 4, time.Minute, pub)
	t.Cleanup(relay.Close)
	t.Cleanup(exec.open)

	require.NoError(t, relay.Submit(request("a", "r1")))
	require.Eventually(t, func() bool { return exec.running("r1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, relay.Submit(request("b", "r1")))
	err := relay.Submit(request("c", "r1"))
	assert.True(t, errors.Is(err, model.ErrExecutionBusy))

	exec.open()
	require.Eventually(t, func() bool { return len(pub.all()) == 2 }, time.Second, time.Millisecond)

	results := pub.all()
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "ran a", results[0].Output)
	assert.Equal(t, 1, exec.peakFor("r1"), "one execution per room at a time")

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.slots) == 0
	}, time.Second, time.Millisecond, "slot frees once the queue empties")
}

func TestRelayRoomsRunIndependently(t *testing.T) {
	exec := newGatedExecutor()
	pub := &fakePublisher{}
	relay := NewRelay(exec, 4, time.Minute, pub)
	t.Cleanup(relay.Close)
	t.Cleanup(exec.open)

	require.NoError(t, relay.Submit(request("a", "r1")))
	require.NoError(t, relay.Submit(request("b", "r2")))

	require.Eventually(t, func() bool {
		return exec.running("r1") == 1 && exec.running("r2") == 1
	}, time.Second, time.Millisecond)
}

func TestRelayTimeout(t *testing.T) {
	exec := newGatedExecutor()
	pub := &fakePublisher{}
	relay := NewRelay(exec, 1, 20*time.Millisecond, pub)
	t.Cleanup(relay.Close)

	require.NoError(t, relay.Submit(request("slow", "r1")))
	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, time.Second, time.Millisecond)

	res := pub.all()[0]
	assert.True(t, res.Failed)
	assert.Equal(t, "Execution timed out", res.Output)
	assert.Equal(t, "r1", res.RoomID)
}

func TestRelayReportsFailure(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, *model.ExecutionRequest) (string, error) {
		return "", errors.New("sandbox returned 502")
	}}
	pub := &fakePublisher{}
	relay := NewRelay(exec, 1, time.Second, pub)
	t.Cleanup(relay.Close)

	require.NoError(t, relay.Submit(request("x", "r1")))
	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, time.Second, time.Millisecond)

	res := pub.all()[0]
	assert.True(t, res.Failed)
	assert.Equal(t, "Execution failed: sandbox returned 502", res.Output)
}

func TestRelayClose(t *testing.T) {
	exec := newGatedExecutor()
	pub := &fakePublisher{}
	relay := NewRelay(exec, 2, time.Minute, pub)

	require.NoError(t, relay.Submit(request("running", "r1")))
	require.NoError(t, relay.Submit(request("queued", "r1")))
	require.Eventually(t, func() bool { return exec.running("r1") == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		relay.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		return errors.Is(relay.Submit(request("late", "r2")), model.ErrRoomClosed)
	}, time.Second, time.Millisecond)

	exec.open()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}

	results := pub.all()
	require.Len(t, results, 2)
	assert.Equal(t, "running", results[0].ID)
	assert.False(t, results[0].Failed)
	assert.Equal(t, "queued", results[1].ID)
	assert.True(t, results[1].Failed)
	relay.Close()
}

func TestRelayConcurrentSubmit(t *testing.T) {
	var calls int32
	exec := &fakeExecutor{fn: func(context.Context, *model.ExecutionRequest) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(time.Millisecond)
		return "ok", nil
	}}
	pub := &fakePublisher{}
	relay := NewRelay(exec, 3, time.Second, pub)

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if relay.Submit(request(string(rune('a'+i)), "r1")) == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}(i)
	}
	wg.Wait()

	n := int(atomic.LoadInt32(&accepted))
	require.Eventually(t, func() bool { return len(pub.all()) == n }, time.Second, time.Millisecond)
	relay.Close()

	assert.GreaterOrEqual(t, n, 1)
	assert.Equal(t, int32(n), atomic.LoadInt32(&calls))
}
