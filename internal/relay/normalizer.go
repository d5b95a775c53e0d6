package relay

import (
	"context"
	"log/slog"
	"time"
)

// SegmentSink receives normalized output. The owning session implements it.
type SegmentSink interface {
	// Publish appends a segment to the session's ring.
	Publish(seg *Segment) error
	// PutAsset stores a key or init section under a relay URI.
	PutAsset(a *Asset)
	// HasAsset reports whether an asset is already stored.
	HasAsset(id string) bool
}

// Normalizer turns one origin into a continuous sequence of segments.
// Run returns when ctx is cancelled or the origin fails; the session decides whether to retry.
type Normalizer interface {
	Mode() StreamMode
	Run(ctx context.Context, sink SegmentSink) error
}

// NormalizerConfig configures both normalizer variants.
type NormalizerConfig struct {
	// SegmentDuration is the TS to HLS target segment duration.
	SegmentDuration time.Duration
	// StallTimeout is reused by the HLS normalizer to detect playlists that stop advancing.
	StallTimeout time.Duration
	// MaxPlaylistBytes limits upstream playlist bodies.
	MaxPlaylistBytes int64
	// MaxSegmentBytes limits upstream HLS segments.
	MaxSegmentBytes int64
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		SegmentDuration:  DefaultSegmentDuration,
		StallTimeout:     DefaultStallTimeout,
		MaxPlaylistBytes: DefaultMaxPlaylistBytes,
		MaxSegmentBytes:  DefaultMaxSegmentBytes,
	}
}

func (c NormalizerConfig) withDefaults() NormalizerConfig {
	d := DefaultNormalizerConfig()
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = d.SegmentDuration
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.MaxPlaylistBytes <= 0 {
		c.MaxPlaylistBytes = d.MaxPlaylistBytes
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = d.MaxSegmentBytes
	}
	return c
}

// NormalizerFactory builds the normalizer for a session.
type NormalizerFactory func(mode StreamMode, originURL string, connector *OriginConnector, logger *slog.Logger) Normalizer

// NewNormalizerFactory returns the factory used in production.
func NewNormalizerFactory(config NormalizerConfig) NormalizerFactory {
	config = config.withDefaults()
	return func(mode StreamMode, originURL string, connector *OriginConnector, logger *slog.Logger) Normalizer {
		if mode == StreamModeHLS {
			return NewHLSNormalizer(originURL, connector, config, logger)
		}
		return NewTSNormalizer(originURL, connector, config, logger)
	}
}
