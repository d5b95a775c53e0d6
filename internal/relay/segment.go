package relay

import (
	"strconv"
	"time"
)

// Segment is one independently playable media segment held in a session's ring.
type Segment struct {
	// Sequence is assigned by the ring on publish and increases monotonically for the session's lifetime.
	Sequence uint64

	// Duration is the segment duration in seconds.
	Duration float64

	// Data is the raw segment bytes.
	Data []byte

	// ContentType is the MIME type served with the segment.
	ContentType string

	// Extension is the file extension used in relay URIs (".ts", ".m4s", ...).
	Extension string

	// Timestamp is when the segment was published.
	Timestamp time.Time

	// PTS is the presentation timestamp of the first frame (90kHz), zero for passthrough segments.
	PTS int64

	// Discontinuity marks this segment as following a break in timestamps or a reconnect.
	// Players should reset their decoders when encountering discontinuity.
	Discontinuity bool

	// Key describes the encryption of the segment, nil when clear.
	Key *SegmentKey

	// InitID references the init section asset needed to decode this segment, if any.
	InitID string
}

// SegmentKey describes how a passthrough segment is encrypted.
type SegmentKey struct {
	// Method is the EXT-X-KEY method (AES-128).
	Method string
	// AssetID references the key bytes held by the session.
	AssetID string
	// IV is the initialization vector attribute. It is always explicit for AES-128 keys.
	IV string
}

// Size returns the byte size of the segment.
func (s *Segment) Size() int {
	return len(s.Data)
}

// IsEmpty returns true if the segment has no data.
func (s *Segment) IsEmpty() bool {
	return len(s.Data) == 0
}

// FileName returns the relay file name of the segment.
func (s *Segment) FileName() string {
	ext := s.Extension
	if ext == "" {
		ext = ".ts"
	}
	return strconv.FormatUint(s.Sequence, 10) + ext
}

// AssetKind distinguishes the auxiliary files a session can serve.
type AssetKind int

const (
	// AssetKey is an AES-128 key.
	AssetKey AssetKind = iota + 1
	// AssetInit is an fMP4 init section (EXT-X-MAP).
	AssetInit
)

// Asset is a key or init section republished under a relay URI.
type Asset struct {
	ID          string
	Kind        AssetKind
	Data        []byte
	ContentType string
	Extension   string
}

// FileName returns the relay file name of the asset.
func (a *Asset) FileName() string {
	switch a.Kind {
	case AssetKey:
		return "key-" + a.ID + ".key"
	default:
		ext := a.Extension
		if ext == "" {
			ext = ".mp4"
		}
		return "init-" + a.ID + ext
	}
}
