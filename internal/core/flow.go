package core

import (
	"context"
	"sync"
	"time"
)

// Config is a flow's immutable configuration, fixed at construction.
type Config struct {
	// Length, if non-nil, makes the flow fixed-length: total pushed bytes
	// must equal *Length exactly, and EOF is implicit upon reaching it.
	Length *uint64
	// Keepcount bounds how many chunks stay resident for late fetchers:
	// after a pull, delivered chunks at the front are freed while more than
	// Keepcount chunks (delivered or not) are resident. With Keepcount 1, a
	// delivered chunk is freed as soon as a newer chunk has been pushed.
	Keepcount int
}

// Flow is a per-stream chunked ring buffer with blocking push/pull
// semantics, chunk indexing, fixed-length mode and EOF propagation. All
// exported methods are safe for concurrent use by any number of producers
// and consumers.
type Flow struct {
	id     string
	config Config
	pool   *Pool

	mu   sync.Mutex
	cond *sync.Cond

	ring        *chunkRing
	bytesPushed uint64
	closed      bool

	dead          bool
	deadTail      uint64
	deadWasClosed bool
	createdAt     time.Time
	lastAccess    time.Time
}

func newFlow(id string, config Config, pool *Pool) *Flow {
	f := &Flow{
		id:         id,
		config:     config,
		pool:       pool,
		ring:       newChunkRing(),
		createdAt:  time.Now(),
		lastAccess: time.Now(),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// ID returns the flow's 32-hex-digit identifier.
func (f *Flow) ID() string { return f.id }

// Config returns the flow's immutable configuration.
func (f *Flow) Config() Config { return f.config }

// Range returns an atomic snapshot of the tail and next cursors.
func (f *Flow) Range() (tail, next uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ring.tail, f.ring.next
}

// Drained reports whether the flow is closed and fully consumed, the
// condition under which the pool may reap it immediately.
func (f *Flow) Drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed && f.ring.tail == f.ring.next
}

func (f *Flow) touch() {
	f.lastAccess = time.Now()
}

// IdleSince reports how long it has been since the flow was last looked up
// through Pool.Get, had a chunk pushed or delivered, or was closed.
func (f *Flow) IdleSince() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastAccess)
}

// Push appends chunk_bytes to the flow. An empty chunk is a no-op that
// always succeeds. Push may block on ctx until the owning pool has room for
// the chunk's metadata and payload. A flow that is closed or destroyed while
// Push waits does not end the wait: Push returns once the quota is acquired,
// and then reports that state, or once ctx is done.
func (f *Flow) Push(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return f.terminalErrorLocked()
	}
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err := f.checkOverrunLocked(len(chunk)); err != nil {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	if err := f.pool.acquireQuota(ctx, chunkMetaSize, len(chunk)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dead {
		f.pool.releaseQuota(chunkMetaSize, len(chunk))
		return f.terminalErrorLocked()
	}
	if f.closed {
		f.pool.releaseQuota(chunkMetaSize, len(chunk))
		return ErrClosed
	}
	if err := f.checkOverrunLocked(len(chunk)); err != nil {
		f.pool.releaseQuota(chunkMetaSize, len(chunk))
		return err
	}

	f.ring.append(chunk)
	f.bytesPushed += uint64(len(chunk))
	if f.config.Length != nil && f.bytesPushed == *f.config.Length {
		f.closed = true
	}
	f.touch()
	f.cond.Broadcast()
	return nil
}

func (f *Flow) checkOverrunLocked(n int) error {
	if f.config.Length == nil {
		return nil
	}
	if f.bytesPushed+uint64(n) > *f.config.Length {
		return ErrOverrun
	}
	return nil
}

// Close transitions the flow to EOF. For fixed-length flows, close only
// succeeds once bytes_pushed equals length exactly.
func (f *Flow) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dead {
		return f.terminalErrorLocked()
	}
	if f.closed {
		return ErrClosed
	}
	if f.config.Length != nil && f.bytesPushed != *f.config.Length {
		return ErrInvalid
	}
	f.closed = true
	f.touch()
	f.cond.Broadcast()
	return nil
}

// Pull returns the payload at index, blocking until it arrives, the flow
// closes, ctx is done, or deadline (if non-zero) expires.
func (f *Flow) Pull(ctx context.Context, index uint64, deadline time.Time) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	needsWatcher := ctx.Done() != nil || !deadline.IsZero()
	var stop chan struct{}
	started := false
	if needsWatcher {
		stop = make(chan struct{})
		defer close(stop)
	}

	for {
		if payload, err, ok := f.tryResolveLocked(index); ok {
			return payload, err
		}

		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		if needsWatcher && !started {
			started = true
			go f.wakeOnDeadline(ctx, deadline, stop)
		}
		f.cond.Wait()
	}
}

// tryResolveLocked attempts to resolve a pull without blocking. ok is true
// when the call is terminal (either a payload or a definitive error).
func (f *Flow) tryResolveLocked(index uint64) (payload []byte, err error, ok bool) {
	if f.dead {
		return nil, f.terminalErrorLocked(), true
	}
	if e, present := f.ring.at(index); present {
		f.ring.markDelivered(index)
		freedMeta, freedData := f.ring.trim(f.config.Keepcount)
		if freedMeta > 0 || freedData > 0 {
			f.pool.releaseQuota(freedMeta, freedData)
		}
		f.touch()
		return e.payload, nil, true
	}
	if index < f.ring.tail {
		return nil, ErrDropped, true
	}
	// index >= next
	if f.closed {
		return nil, ErrEof, true
	}
	return nil, nil, false
}

func (f *Flow) wakeOnDeadline(ctx context.Context, deadline time.Time, stop chan struct{}) {
	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerCh = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timerCh:
	case <-stop:
		return
	}
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

// terminalErrorLocked classifies the error a destroyed flow wakes its
// waiters with. A destroyed flow could plausibly report Dropped for a
// caller whose interest predates the tail at the moment of destruction and
// Eof for everyone else, but that split has no observable external
// contract riding on it, so every waiter gets the same answer.
func (f *Flow) terminalErrorLocked() error {
	return ErrEof
}

// destroy marks the flow dead, wakes every waiter with a terminal error,
// and frees all resident chunk bytes, returning them for the pool to
// release back to its quotas.
func (f *Flow) destroy() (freedMeta, freedData int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return 0, 0
	}
	f.dead = true
	f.deadTail = f.ring.tail
	f.deadWasClosed = f.closed
	freedMeta, freedData = f.ring.drainAll()
	f.cond.Broadcast()
	return freedMeta, freedData
}
