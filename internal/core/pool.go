package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pzread/flux/internal/observability"
)

// PoolConfig configures a Pool's admission bound, idle eviction threshold,
// and the two pool-wide quotas shared by every live flow.
type PoolConfig struct {
	// Capacity bounds the number of concurrently live flows. Zero means
	// unbounded.
	Capacity int
	// IdleTimeout evicts a flow once this long has passed since it was
	// last looked up through Get, had a chunk pushed or delivered, or was
	// closed. Zero disables it.
	IdleTimeout time.Duration
	// MetaCapacity and DataCapacity are the pool-wide quotas, in bytes,
	// for chunk bookkeeping and chunk payloads respectively.
	MetaCapacity int64
	DataCapacity int64
	// ReapInterval controls how often the background reaper scans for
	// eviction candidates. Defaults to one second.
	ReapInterval time.Duration
	// Logger, if set, receives a FlowEvicted record for every flow the
	// reaper or an opportunistic eviction removes.
	Logger *observability.Logger
}

// Pool is the process-wide registry of live flows. It admits and evicts
// flows, and owns the two quota gates that bound their combined resource
// footprint. insert/get/remove are safe under concurrent callers; readers
// never block on each other.
type Pool struct {
	mu    sync.RWMutex
	flows map[string]*Flow

	capacity    int
	idleTimeout time.Duration

	metaSem *semaphore.Weighted
	dataSem *semaphore.Weighted
	metaCap int64
	dataCap int64

	metaInUse int64
	dataInUse int64

	reapInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once

	logger *observability.Logger
}

// NewPool constructs a Pool and starts its background reaper.
func NewPool(cfg PoolConfig) *Pool {
	reap := cfg.ReapInterval
	if reap <= 0 {
		reap = time.Second
	}
	p := &Pool{
		flows:        make(map[string]*Flow),
		capacity:     cfg.Capacity,
		idleTimeout:  cfg.IdleTimeout,
		metaSem:      semaphore.NewWeighted(cfg.MetaCapacity),
		dataSem:      semaphore.NewWeighted(cfg.DataCapacity),
		metaCap:      cfg.MetaCapacity,
		dataCap:      cfg.DataCapacity,
		reapInterval: reap,
		stop:         make(chan struct{}),
		logger:       cfg.Logger,
	}
	go p.reapLoop()
	return p
}

// Insert admits a new flow under id with the given configuration. It fails
// with NotReady if the pool is at capacity and no flow qualifies for
// opportunistic eviction.
func (p *Pool) Insert(id string, config Config) (*Flow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.flows[id]; exists {
		return nil, ErrInvalid
	}

	if p.capacity > 0 && len(p.flows) >= p.capacity {
		p.evictLocked()
		if len(p.flows) >= p.capacity {
			return nil, ErrNotReady
		}
	}

	f := newFlow(id, config, p)
	p.flows[id] = f
	return f, nil
}

// Get returns the live flow for id, touching its last-access time.
func (p *Pool) Get(id string) (*Flow, bool) {
	p.mu.RLock()
	f, ok := p.flows[id]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	f.touch()
	f.mu.Unlock()
	return f, true
}

// Remove removes and tears down the flow for id, releasing its resident
// quota back to the pool.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	f, ok := p.flows[id]
	if ok {
		delete(p.flows, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	freedMeta, freedData := f.destroy()
	p.releaseQuota(freedMeta, freedData)
	return true
}

// LiveCount returns the number of flows currently registered.
func (p *Pool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.flows)
}

// Capacity returns the pool's configured flow-count bound (0 = unbounded).
func (p *Pool) Capacity() int { return p.capacity }

// MetaBytesInUse and DataBytesInUse report current quota usage for metrics
// and health reporting.
func (p *Pool) MetaBytesInUse() int64 { return atomic.LoadInt64(&p.metaInUse) }
func (p *Pool) DataBytesInUse() int64 { return atomic.LoadInt64(&p.dataInUse) }
func (p *Pool) MetaCapacity() int64   { return p.metaCap }
func (p *Pool) DataCapacity() int64   { return p.dataCap }

// Shutdown stops the background reaper. It does not tear down live flows.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.evictLocked()
			p.mu.Unlock()
		}
	}
}

// evictLocked removes every flow meeting an eviction criterion: fully
// drained (closed and consumed), or idle past idleTimeout. It must be
// called with p.mu held for writing, and is used both by the reaper and
// opportunistically by Insert under admission pressure. It never forcibly
// evicts a flow that meets neither criterion.
func (p *Pool) evictLocked() int {
	evicted := 0
	for id, f := range p.flows {
		reason := ""
		switch {
		case f.Drained():
			reason = "drained"
		case p.idleTimeout > 0 && f.IdleSince() >= p.idleTimeout:
			reason = "idle"
		default:
			continue
		}
		delete(p.flows, id)
		freedMeta, freedData := f.destroy()
		p.releaseQuota(freedMeta, freedData)
		if p.logger != nil {
			p.logger.FlowEvicted(id, reason)
		}
		evicted++
	}
	return evicted
}

// acquireQuota blocks until metaBytes of meta_capacity and dataBytes of
// data_capacity are both available, or ctx concludes first.
func (p *Pool) acquireQuota(ctx context.Context, metaBytes, dataBytes int) error {
	if err := p.metaSem.Acquire(ctx, int64(metaBytes)); err != nil {
		return translateQuotaErr(err)
	}
	if err := p.dataSem.Acquire(ctx, int64(dataBytes)); err != nil {
		p.metaSem.Release(int64(metaBytes))
		return translateQuotaErr(err)
	}
	atomic.AddInt64(&p.metaInUse, int64(metaBytes))
	atomic.AddInt64(&p.dataInUse, int64(dataBytes))
	return nil
}

// releaseQuota gives metaBytes/dataBytes back to the pool's quotas. It
// never blocks, so it is safe to call while holding a Flow's lock.
func (p *Pool) releaseQuota(metaBytes, dataBytes int) {
	if metaBytes > 0 {
		p.metaSem.Release(int64(metaBytes))
		atomic.AddInt64(&p.metaInUse, -int64(metaBytes))
	}
	if dataBytes > 0 {
		p.dataSem.Release(int64(dataBytes))
		atomic.AddInt64(&p.dataInUse, -int64(dataBytes))
	}
}

func translateQuotaErr(err error) error {
	if err == context.DeadlineExceeded {
		return ErrTimeout
	}
	return &Error{Kind: KindNotReady, Err: err}
}
