package relay

import (
	"context"
	"sync"
	"time"
)

// SegmentRingConfig configures a session's segment ring.
type SegmentRingConfig struct {
	// MaxSegments is the maximum number of segments to keep.
	MaxSegments int

	// MaxBytes is the maximum total size of retained segments.
	MaxBytes int64
}

// DefaultSegmentRingConfig returns the default retention.
func DefaultSegmentRingConfig() SegmentRingConfig {
	return SegmentRingConfig{
		MaxSegments: DefaultBufferSegments,
		MaxBytes:    DefaultBufferMaxBytes,
	}
}

// SegmentRingStats holds ring statistics.
type SegmentRingStats struct {
	Segments              int    `json:"segments"`
	Bytes                 int64  `json:"bytes"`
	FirstSequence         uint64 `json:"first_sequence"`
	NextSequence          uint64 `json:"next_sequence"`
	Published             uint64 `json:"published"`
	Evicted               uint64 `json:"evicted"`
	DiscontinuitySequence uint64 `json:"discontinuity_sequence"`
	Closed                bool   `json:"closed"`
}

// SegmentRing is a bounded, overwrite-oldest segment store with one writer and many readers.
// Publish never blocks on readers; readers that fall behind find their segments expired.
type SegmentRing struct {
	config SegmentRingConfig

	mu    sync.RWMutex
	slots []*Segment
	start int
	count int
	bytes int64

	firstSeq uint64
	nextSeq  uint64

	// discontinuitySeq counts discontinuity-flagged segments that have been evicted.
	discontinuitySeq     uint64
	pendingDiscontinuity bool

	published uint64
	evicted   uint64

	// notify is closed and replaced on every publish and on close.
	notify   chan struct{}
	closed   bool
	closeErr error
}

// NewSegmentRing creates a new segment ring.
func NewSegmentRing(config SegmentRingConfig) *SegmentRing {
	if config.MaxSegments <= 0 {
		config.MaxSegments = DefaultBufferSegments
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultBufferMaxBytes
	}

	return &SegmentRing{
		config: config,
		slots:  make([]*Segment, config.MaxSegments),
		notify: make(chan struct{}),
	}
}

// Publish appends seg, assigning its sequence number and evicting the oldest segments
// needed to respect the count and byte limits. It returns the assigned sequence.
func (r *SegmentRing) Publish(seg *Segment) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrBufferClosed
	}

	seg.Sequence = r.nextSeq
	r.nextSeq++
	if r.pendingDiscontinuity {
		seg.Discontinuity = true
		r.pendingDiscontinuity = false
	}
	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}

	size := int64(seg.Size())
	for r.count > 0 && (r.count >= len(r.slots) || r.bytes+size > r.config.MaxBytes) {
		r.evictOldest()
	}

	r.slots[(r.start+r.count)%len(r.slots)] = seg
	r.count++
	r.bytes += size
	r.published++
	r.firstSeq = r.slots[r.start].Sequence

	close(r.notify)
	r.notify = make(chan struct{})

	return seg.Sequence, nil
}

// evictOldest drops the oldest segment. Caller holds the write lock.
func (r *SegmentRing) evictOldest() {
	old := r.slots[r.start]
	r.slots[r.start] = nil
	r.start = (r.start + 1) % len(r.slots)
	r.count--
	r.bytes -= int64(old.Size())
	r.evicted++
	if old.Discontinuity {
		r.discontinuitySeq++
	}
	r.firstSeq = old.Sequence + 1
}

// MarkDiscontinuity flags the next published segment as a discontinuity.
func (r *SegmentRing) MarkDiscontinuity() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingDiscontinuity = true
}

// Get returns the segment with the given sequence.
func (r *SegmentRing) Get(seq uint64) (*Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if seq >= r.nextSeq {
		return nil, ErrSegmentNotFound
	}
	if r.count == 0 || seq < r.firstSeq {
		return nil, ErrSegmentExpired
	}
	return r.slots[(r.start+int(seq-r.firstSeq))%len(r.slots)], nil
}

// Window returns the oldest retained sequence and the next sequence to be published.
// The ring is empty when first == next.
func (r *SegmentRing) Window() (first, next uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return r.nextSeq, r.nextSeq
	}
	return r.firstSeq, r.nextSeq
}

// Len returns the number of retained segments.
func (r *SegmentRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// PlaylistWindow returns up to n of the newest segments, oldest first, together with the
// discontinuity sequence of the first returned segment.
func (r *SegmentRing) PlaylistWindow(n int) ([]*Segment, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	skip := r.count - n
	discSeq := r.discontinuitySeq
	for i := 0; i < skip; i++ {
		if r.slots[(r.start+i)%len(r.slots)].Discontinuity {
			discSeq++
		}
	}

	out := make([]*Segment, 0, n)
	for i := skip; i < r.count; i++ {
		out = append(out, r.slots[(r.start+i)%len(r.slots)])
	}
	return out, discSeq
}

// Wait blocks until a segment with sequence >= seq has been published, the ring is closed,
// or ctx is done. Retained segments stay readable after close; Wait only reports the close
// error once nothing at or after seq can ever arrive.
func (r *SegmentRing) Wait(ctx context.Context, seq uint64) error {
	for {
		r.mu.RLock()
		if r.nextSeq > seq {
			r.mu.RUnlock()
			return nil
		}
		if r.closed {
			err := r.closeErr
			r.mu.RUnlock()
			return err
		}
		ch := r.notify
		r.mu.RUnlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the ring. Waiting readers wake up with err (ErrBufferClosed when nil).
func (r *SegmentRing) Close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if err == nil {
		err = ErrBufferClosed
	}
	r.closed = true
	r.closeErr = err
	close(r.notify)
}

// Err returns the close error, or nil while the ring is open.
func (r *SegmentRing) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closeErr
}

// Release drops every retained segment. The ring must be closed first.
func (r *SegmentRing) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		r.slots[i] = nil
	}
	r.firstSeq = r.nextSeq
	r.start = 0
	r.count = 0
	r.bytes = 0
}

// Stats returns ring statistics.
func (r *SegmentRing) Stats() SegmentRingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first := r.firstSeq
	if r.count == 0 {
		first = r.nextSeq
	}
	return SegmentRingStats{
		Segments:              r.count,
		Bytes:                 r.bytes,
		FirstSequence:         first,
		NextSequence:          r.nextSeq,
		Published:             r.published,
		Evicted:               r.evicted,
		DiscontinuitySequence: r.discontinuitySeq,
		Closed:                r.closed,
	}
}
