package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ViewerInfo identifies the client behind a viewer handle.
type ViewerInfo struct {
	RemoteAddr string
	UserAgent  string
	// Persistent viewers hold a connection open and are detached by it, never by the idle reaper.
	Persistent bool
}

// ViewerHandle is one viewer's cursor into a session's segment ring.
// A handle never blocks the session: when its cursor falls behind the retained window it is
// moved to the oldest retained segment and flagged as lagged.
type ViewerHandle struct {
	id         string
	channelID  string
	info       ViewerInfo
	attachedAt time.Time
	session    *RelaySession
	registry   *Registry

	mu     sync.Mutex
	cursor uint64

	lastSeen atomic.Int64
	lagged   atomic.Bool
	skipped  atomic.Uint64
	served   atomic.Uint64

	// ctx is cancelled on detach; it cancels only this viewer's pending reads.
	ctx      context.Context
	cancel   context.CancelFunc
	detached atomic.Bool
}

func newViewerHandle(r *Registry, s *RelaySession, info ViewerInfo) *ViewerHandle {
	ctx, cancel := context.WithCancel(context.Background())
	first, _ := s.ring.Window()
	now := time.Now()

	h := &ViewerHandle{
		id:         uuid.NewString(),
		channelID:  s.channelID,
		info:       info,
		attachedAt: now,
		session:    s,
		registry:   r,
		cursor:     first,
		ctx:        ctx,
		cancel:     cancel,
	}
	h.lastSeen.Store(now.UnixNano())
	return h
}

// ID returns the viewer id used in relay URIs.
func (h *ViewerHandle) ID() string {
	return h.id
}

// ChannelID returns the channel the viewer is attached to.
func (h *ViewerHandle) ChannelID() string {
	return h.channelID
}

// Session returns the session the viewer is attached to.
func (h *ViewerHandle) Session() *RelaySession {
	return h.session
}

// AttachedAt returns when the viewer attached.
func (h *ViewerHandle) AttachedAt() time.Time {
	return h.attachedAt
}

// Cursor returns the sequence of the next segment the viewer will receive.
func (h *ViewerHandle) Cursor() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Touch records viewer activity.
func (h *ViewerHandle) Touch() {
	h.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the last time the viewer was active.
func (h *ViewerHandle) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// Lagged reports whether the viewer has been skipped ahead since the flag was last taken.
func (h *ViewerHandle) Lagged() bool {
	return h.lagged.Load()
}

// TakeLag returns and clears the lag flag so the serving layer can signal a discontinuity once.
func (h *ViewerHandle) TakeLag() bool {
	return h.lagged.Swap(false)
}

// Skipped returns how many segments the viewer missed because it fell behind.
func (h *ViewerHandle) Skipped() uint64 {
	return h.skipped.Load()
}

// Detached reports whether the handle has been released.
func (h *ViewerHandle) Detached() bool {
	return h.detached.Load()
}

// Next returns the next segment in publish order, waiting until the session publishes one.
// It is unbounded in time for as long as the session lives.
func (h *ViewerHandle) Next(ctx context.Context) (*Segment, error) {
	if h.detached.Load() {
		return nil, ErrViewerDetached
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	ring := h.session.ring
	for {
		h.mu.Lock()
		first, next := ring.Window()
		h.skipAhead(first)
		cursor := h.cursor
		if cursor < next {
			seg, err := ring.Get(cursor)
			if errors.Is(err, ErrSegmentExpired) {
				// Evicted between Window and Get.
				h.mu.Unlock()
				continue
			}
			if err != nil {
				h.mu.Unlock()
				return nil, err
			}
			h.cursor = cursor + 1
			h.mu.Unlock()
			h.served.Add(1)
			h.Touch()
			return seg, nil
		}
		h.mu.Unlock()

		if err := ring.Wait(ctx, cursor); err != nil {
			if h.detached.Load() {
				return nil, ErrViewerDetached
			}
			return nil, err
		}
	}
}

// Segment returns a specific segment for HLS fetches and moves the cursor past it.
// The cursor never moves backwards.
func (h *ViewerHandle) Segment(seq uint64) (*Segment, error) {
	if h.detached.Load() {
		return nil, ErrViewerDetached
	}
	h.Touch()

	h.mu.Lock()
	defer h.mu.Unlock()

	first, _ := h.session.ring.Window()
	if seq < first {
		h.markLag(first - seq)
	}

	seg, err := h.session.ring.Get(seq)
	if err != nil {
		return nil, err
	}
	if seq >= h.cursor {
		h.cursor = seq + 1
	}
	h.served.Add(1)
	return seg, nil
}

// skipAhead moves a cursor that fell outside the retained window. Caller holds h.mu.
func (h *ViewerHandle) skipAhead(first uint64) {
	if h.cursor >= first {
		return
	}
	h.markLag(first - h.cursor)
	h.cursor = first
}

func (h *ViewerHandle) markLag(missed uint64) {
	h.lagged.Store(true)
	h.skipped.Add(missed)
	h.session.recordLag()
	h.session.logger.Debug("viewer lagged behind retention window",
		slog.String("viewer_id", h.id),
		slog.Uint64("missed_segments", missed))
}

// Detach releases the viewer. It is idempotent.
func (h *ViewerHandle) Detach() {
	if !h.detached.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	h.registry.release(h)
}

// ViewerStatus is a point-in-time view of a handle.
type ViewerStatus struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
	LastSeen   time.Time `json:"last_seen"`
	Cursor     uint64    `json:"cursor"`
	Lagged     bool      `json:"lagged"`
	Skipped    uint64    `json:"skipped"`
	Served     uint64    `json:"served"`
}

// Status returns a snapshot of the handle.
func (h *ViewerHandle) Status() ViewerStatus {
	return ViewerStatus{
		ID:         h.id,
		RemoteAddr: h.info.RemoteAddr,
		UserAgent:  h.info.UserAgent,
		AttachedAt: h.attachedAt,
		LastSeen:   h.LastSeen(),
		Cursor:     h.Cursor(),
		Lagged:     h.Lagged(),
		Skipped:    h.Skipped(),
		Served:     h.served.Load(),
	}
}
