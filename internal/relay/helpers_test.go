package relay

import (
	"io"
	"log/slog"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink is a SegmentSink that keeps everything it is given.
type recordingSink struct {
	mu       sync.Mutex
	segments []*Segment
	assets   map[string]*Asset
	err      error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{assets: make(map[string]*Asset)}
}

func (s *recordingSink) Publish(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	seg.Sequence = uint64(len(s.segments))
	s.segments = append(s.segments, seg)
	return nil
}

func (s *recordingSink) PutAsset(a *Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
}

func (s *recordingSink) HasAsset(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assets[id]
	return ok
}

func (s *recordingSink) Segments() []*Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Segment(nil), s.segments...)
}

func (s *recordingSink) Assets() map[string]*Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Asset, len(s.assets))
	for k, v := range s.assets {
		out[k] = v
	}
	return out
}
