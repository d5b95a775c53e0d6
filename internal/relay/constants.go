// Package relay implements the channel relay core: one origin connection per channel,
// normalized into HLS segments and fanned out to any number of viewers.
package relay

import "time"

// Content types for relay responses.
const (
	// ContentTypeHLSPlaylist is the MIME type for HLS playlists (.m3u8).
	ContentTypeHLSPlaylist = "application/vnd.apple.mpegurl"

	// ContentTypeMPEGTS is the MIME type for MPEG-TS segments and streams.
	ContentTypeMPEGTS = "video/MP2T"

	// ContentTypeFMP4 is the MIME type for fMP4 media and init segments.
	ContentTypeFMP4 = "video/mp4"

	// ContentTypeAAC is the MIME type for packed ADTS audio segments.
	ContentTypeAAC = "audio/aac"

	// ContentTypeKey is the MIME type for AES-128 key files.
	ContentTypeKey = "application/octet-stream"
)

// Defaults for the relay core. Config values override these.
const (
	// DefaultConnectTimeout bounds dial, TLS handshake and response headers.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultStallTimeout is how long an established origin may go without delivering bytes.
	DefaultStallTimeout = 10 * time.Second

	// DefaultSegmentDuration is the target duration of TS to HLS segments.
	DefaultSegmentDuration = 4 * time.Second

	// DefaultPlaylistSize is the number of segments listed in a manifest.
	DefaultPlaylistSize = 6

	// DefaultBufferSegments is the number of segments retained per session.
	DefaultBufferSegments = 12

	// DefaultBufferMaxBytes caps the memory held by one session's segment ring.
	DefaultBufferMaxBytes int64 = 64 * 1024 * 1024

	// DefaultGracePeriod is how long a session survives after its last viewer detaches.
	DefaultGracePeriod = 30 * time.Second

	// DefaultViewerIdleTimeout detaches HLS viewers that stopped polling.
	DefaultViewerIdleTimeout = 30 * time.Second

	// DefaultSegmentWaitTimeout bounds how long a manifest request waits for the first segment.
	DefaultSegmentWaitTimeout = 15 * time.Second

	// DefaultReapInterval is how often idle viewers are detached.
	DefaultReapInterval = 5 * time.Second

	// DefaultMaxPlaylistBytes limits upstream playlist bodies.
	DefaultMaxPlaylistBytes = 2 * 1024 * 1024

	// DefaultMaxSegmentBytes limits a single upstream HLS segment.
	DefaultMaxSegmentBytes = 32 * 1024 * 1024

	// DefaultMaxAssets is the number of keys and init sections kept per session.
	DefaultMaxAssets = 16
)

// MPEG-TS constants.
const (
	// TSPacketSize is the standard MPEG-TS packet size.
	TSPacketSize = 188
	// TSSyncByte is the MPEG-TS sync byte.
	TSSyncByte = 0x47

	// tsClockRate is the PTS/DTS clock rate.
	tsClockRate = 90000
	// tsTimestampMask wraps 33-bit PTS values.
	tsTimestampMask = (int64(1) << 33) - 1
	// tsMaxForwardJump is the largest forward PTS step treated as continuous.
	tsMaxForwardJump = 10 * tsClockRate
)

// HLS passthrough constants.
const (
	// hlsLiveEdgeSegments is how many trailing segments are fetched when joining an upstream playlist.
	hlsLiveEdgeSegments = 3

	// hlsMinPollInterval is the shortest upstream playlist refresh interval.
	hlsMinPollInterval = 500 * time.Millisecond
)
