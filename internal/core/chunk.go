package core

// chunkMetaSize is the fixed bookkeeping cost charged against a pool's
// meta_capacity quota for every resident chunk, independent of payload
// size. It bounds the number of chunks a pool can hold open at once, the
// way data_capacity bounds their combined payload bytes.
const chunkMetaSize = 64

// chunkEntry is one resident slot in a flow's chunk ring. Entries are kept
// in a plain slice ordered by ascending index, with entries[0] always
// corresponding to the flow's current tail; this is safe because tail only
// ever advances over a contiguous run of delivered entries at the front.
type chunkEntry struct {
	payload   []byte
	delivered bool
}

func (e *chunkEntry) metaBytes() int { return chunkMetaSize }
func (e *chunkEntry) dataBytes() int { return len(e.payload) }

// chunkRing holds the resident chunks of one flow, indexed by position
// relative to tail. It is not safe for concurrent use; callers serialize
// access via the owning Flow's mutex.
type chunkRing struct {
	tail    uint64
	next    uint64
	entries []chunkEntry

	deliveredCount int // entries in the ring currently marked delivered
}

func newChunkRing() *chunkRing {
	return &chunkRing{}
}

// append adds a freshly-pushed chunk at index `next` and advances next.
func (r *chunkRing) append(payload []byte) uint64 {
	idx := r.next
	r.entries = append(r.entries, chunkEntry{payload: payload})
	r.next++
	return idx
}

// at returns the entry for index, and whether it is currently resident.
func (r *chunkRing) at(index uint64) (*chunkEntry, bool) {
	if index < r.tail || index >= r.next {
		return nil, false
	}
	return &r.entries[index-r.tail], true
}

// markDelivered flags the entry at index delivered, if not already.
func (r *chunkRing) markDelivered(index uint64) {
	e, ok := r.at(index)
	if !ok || e.delivered {
		return
	}
	e.delivered = true
	r.deliveredCount++
}

// trim frees delivered entries from the front while the consumer has
// advanced more than keepcount chunks past them, that is while next-tail
// exceeds keepcount and the oldest entry has already been delivered, and
// stops at the first non-delivered entry. It returns the freed metadata
// and payload byte counts so the caller can release pool quota.
func (r *chunkRing) trim(keepcount int) (freedMeta, freedData int) {
	for r.next-r.tail > uint64(keepcount) && len(r.entries) > 0 && r.entries[0].delivered {
		freedMeta += r.entries[0].metaBytes()
		freedData += r.entries[0].dataBytes()
		r.deliveredCount--
		r.entries = r.entries[1:]
		r.tail++
	}
	return freedMeta, freedData
}

// drainAll frees every resident entry unconditionally (flow teardown).
func (r *chunkRing) drainAll() (freedMeta, freedData int) {
	for i := range r.entries {
		freedMeta += r.entries[i].metaBytes()
		freedData += r.entries[i].dataBytes()
	}
	r.entries = nil
	r.tail = r.next
	r.deliveredCount = 0
	return freedMeta, freedData
}
