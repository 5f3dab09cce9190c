package coordinator

import (
	"context"
	"errors"
	"github.com/gammazero/workerpool"
	"github.com/labstack/gommon/log"
	"sync"
	"time"
	"zcoder.me/model"
	"zcoder.me/sandbox"
)

// Publisher receives execution results for routing back to their room.
type Publisher interface {
	PublishResult(res *model.ExecutionResult)
}

// runSlot tracks one room's executions: at most one running and one waiting.
type runSlot struct {
	queued *model.ExecutionRequest
}

// Relay forwards run requests to the sandbox on a bounded worker pool.
type Relay struct {
	exec    sandbox.Executor
	pool    *workerpool.WorkerPool
	timeout time.Duration
	pub     Publisher

	mu     sync.Mutex
	slots  map[string]*runSlot
	closed bool
}

func NewRelay(exec sandbox.Executor, maxWorkers int, timeout time.Duration, pub Publisher) *Relay {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Relay{
		exec:    exec,
		pool:    workerpool.New(maxWorkers),
		timeout: timeout,
		pub:     pub,
		slots:   make(map[string]*runSlot),
	}
}

// Submit starts req, or queues it behind the room's running execution. A room
// that already has one running and one queued gets ErrExecutionBusy.
func (r *Relay) Submit(req *model.ExecutionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.ErrRoomClosed
	}
	s, running := r.slots[req.RoomID]
	switch {
	case !running:
		r.slots[req.RoomID] = &runSlot{}
		r.start(req)
	case s.queued == nil:
		s.queued = req
		log.Infof("room %s: execution %s queued", req.RoomID, req.ID)
	default:
		return model.ErrExecutionBusy
	}
	return nil
}

// start must be called with r.mu held so it never races Close.
func (r *Relay) start(req *model.ExecutionRequest) {
	r.pool.Submit(func() {
		r.execute(req)
	})
}

func (r *Relay) execute(req *model.ExecutionRequest) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	output, err := r.exec.Execute(ctx, req)
	res := &model.ExecutionResult{ID: req.ID, RoomID: req.RoomID, Output: output}
	if err != nil {
		log.Warnf("room %s: execution %s failed after %s: %v", req.RoomID, req.ID, time.Since(started), err)
		res.Failed = true
		res.Output = failureOutput(err)
	}
	r.pub.PublishResult(res)

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[req.RoomID]
	next := s.queued
	if next == nil {
		delete(r.slots, req.RoomID)
		return
	}
	s.queued = nil
	if r.closed {
		delete(r.slots, req.RoomID)
		r.pub.PublishResult(&model.ExecutionResult{
			ID: next.ID, RoomID: next.RoomID, Failed: true,
			Output: "Execution cancelled: server is shutting down",
		})
		return
	}
	r.start(next)
}

func failureOutput(err error) string {
	if errors.Is(err, model.ErrExecutionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "Execution timed out"
	}
	return "Execution failed: " + err.Error()
}

// Close stops accepting runs and waits for those already submitted.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.pool.StopWait()
}
