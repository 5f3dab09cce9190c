package coordinator

import (
	"github.com/labstack/gommon/log"
	"sync"
	"time"
)

// Flusher periodically persists changed room buffers so that edits survive a
// crash and not only a clean eviction.
type Flusher struct {
	router   *Router
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewFlusher(router *Router, interval time.Duration) *Flusher {
	return &Flusher{
		router:   router,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (f *Flusher) Start() {
	if f.interval <= 0 {
		log.Info("snapshot flusher disabled")
		return
	}
	f.wg.Add(1)
	go f.run()
	log.Infof("snapshot flusher started (interval: %v)", f.interval)
}

func (f *Flusher) Stop() {
	close(f.stop)
	f.wg.Wait()
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.router.FlushSnapshots()
		}
	}
}
