// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ExpiredReadEvery: 100, // sample logs: ~every 100th expired read
//	    SelfHealEvery:    10,
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := dynacache.New[User](dynacache.Options[User]{
//	    TableName:      "users-cache",
//	    PrimaryFactory: dynamodb.Factory(dynamodb.Connection{Region: "eu-west-1"}),
//	    Codec:          codec.JSON[User]{},
//	    Hooks:          hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/dynacache"
)

// Hooks forwards events to inner on background workers. When the queue is
// full the event is dropped and counted; the cache never waits on a hook.
type Hooks struct {
	inner   dynacache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ dynacache.Hooks = (*Hooks)(nil)

func New(inner dynacache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = dynacache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) ExpiredRead(k string) { h.try(func() { h.inner.ExpiredRead(k) }) }
func (h *Hooks) DanglingPointer(k, bk string) {
	h.try(func() { h.inner.DanglingPointer(k, bk) })
}
func (h *Hooks) SelfHeal(k, reason string, err error) {
	h.try(func() { h.inner.SelfHeal(k, reason, err) })
}
func (h *Hooks) OrphanedBlob(k, bk string, cause error) {
	h.try(func() { h.inner.OrphanedBlob(k, bk, cause) })
}
func (h *Hooks) BatchFailure(op string, requested, failed int) {
	h.try(func() { h.inner.BatchFailure(op, requested, failed) })
}
func (h *Hooks) ClientOpened(kind string) { h.try(func() { h.inner.ClientOpened(kind) }) }
