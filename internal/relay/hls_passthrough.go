package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/tvrelay/internal/urlutil"
)

// HLSNormalizer relays an upstream HLS stream. Segments are fetched once and republished
// under relay URIs; keys and init sections become session assets.
type HLSNormalizer struct {
	url       string
	connector *OriginConnector
	config    NormalizerConfig
	logger    *slog.Logger
}

// NewHLSNormalizer creates an HLS passthrough normalizer.
func NewHLSNormalizer(originURL string, connector *OriginConnector, config NormalizerConfig, logger *slog.Logger) *HLSNormalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSNormalizer{
		url:       originURL,
		connector: connector,
		config:    config.withDefaults(),
		logger:    logger,
	}
}

// Mode implements Normalizer.
func (n *HLSNormalizer) Mode() StreamMode {
	return StreamModeHLS
}

// hlsCursor tracks the upstream media sequence across playlist refreshes within one Run.
type hlsCursor struct {
	started       bool
	next          uint64
	discontinuity bool
}

// Run implements Normalizer. It polls the media playlist and publishes every new segment
// until the origin fails, stops advancing, or ends the playlist.
func (n *HLSNormalizer) Run(ctx context.Context, sink SegmentSink) error {
	mediaURL, pl, err := n.resolveMediaPlaylist(ctx)
	if err != nil {
		return err
	}

	var cur hlsCursor
	lastProgress := time.Now()
	for {
		added, err := n.consume(ctx, mediaURL, pl, &cur, sink)
		if err != nil {
			return err
		}

		switch {
		case added > 0:
			lastProgress = time.Now()
		case pl.Endlist:
			return newOriginError(ErrOriginUnreachable, n.url, 0, errors.New("origin playlist ended"))
		case time.Since(lastProgress) > n.stallLimit(pl):
			return newOriginError(ErrOriginStalled, n.url, 0,
				fmt.Errorf("playlist did not advance for %s", time.Since(lastProgress).Round(time.Second)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval(pl)):
		}

		res, err := n.connector.Fetch(ctx, mediaURL, n.config.MaxPlaylistBytes)
		if err != nil {
			return err
		}
		mediaURL = res.URL
		if pl, err = parseMediaPlaylist(res.Data); err != nil {
			return formatError(n.url, "parsing media playlist: %v", err)
		}
	}
}

// resolveMediaPlaylist fetches the origin URL. A multivariant playlist is resolved to its
// highest bandwidth variant.
func (n *HLSNormalizer) resolveMediaPlaylist(ctx context.Context) (string, *mediaPlaylist, error) {
	res, err := n.connector.Fetch(ctx, n.url, n.config.MaxPlaylistBytes)
	if err != nil {
		return "", nil, err
	}

	mediaURL := res.URL
	data := res.Data
	if isMultivariant(data) {
		parsed, err := playlist.Unmarshal(data)
		if err != nil {
			return "", nil, formatError(n.url, "parsing multivariant playlist: %v", err)
		}
		mv, ok := parsed.(*playlist.Multivariant)
		if !ok || len(mv.Variants) == 0 {
			return "", nil, formatError(n.url, "multivariant playlist has no variants")
		}

		best := mv.Variants[0]
		for _, v := range mv.Variants[1:] {
			if v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		variantURL, err := urlutil.Resolve(mediaURL, best.URI)
		if err != nil {
			return "", nil, formatError(n.url, "resolving variant %q: %v", best.URI, err)
		}

		n.logger.Debug("selected hls variant",
			slog.Int("bandwidth", best.Bandwidth),
			slog.Int("variants", len(mv.Variants)),
			slog.String("variant_url", urlutil.Redact(variantURL)))

		res, err = n.connector.Fetch(ctx, variantURL, n.config.MaxPlaylistBytes)
		if err != nil {
			return "", nil, err
		}
		mediaURL = res.URL
		data = res.Data
	}

	pl, err := parseMediaPlaylist(data)
	if err != nil {
		return "", nil, formatError(n.url, "parsing media playlist: %v", err)
	}
	return mediaURL, pl, nil
}

// consume publishes the segments of pl that have not been published yet and returns how many
// were added.
func (n *HLSNormalizer) consume(ctx context.Context, mediaURL string, pl *mediaPlaylist, cur *hlsCursor, sink SegmentSink) (int, error) {
	count := uint64(len(pl.Segments))
	end := pl.MediaSequence + count

	switch {
	case !cur.started:
		skip := uint64(0)
		if count > hlsLiveEdgeSegments {
			skip = count - hlsLiveEdgeSegments
		}
		cur.next = pl.MediaSequence + skip
		cur.started = true
	case end < cur.next:
		// Upstream restarted its sequence numbering.
		n.logger.Info("upstream media sequence regressed",
			slog.Uint64("expected", cur.next),
			slog.Uint64("media_sequence", pl.MediaSequence))
		skip := uint64(0)
		if count > hlsLiveEdgeSegments {
			skip = count - hlsLiveEdgeSegments
		}
		cur.next = pl.MediaSequence + skip
		cur.discontinuity = true
	case pl.MediaSequence > cur.next:
		n.logger.Info("upstream segments missed",
			slog.Uint64("missed", pl.MediaSequence-cur.next))
		cur.next = pl.MediaSequence
		cur.discontinuity = true
	}

	added := 0
	for i, ms := range pl.Segments {
		seq := pl.MediaSequence + uint64(i)
		if seq < cur.next {
			continue
		}
		if err := ctx.Err(); err != nil {
			return added, err
		}

		seg, err := n.fetchSegment(ctx, mediaURL, seq, ms, sink)
		if err != nil {
			var oe *OriginError
			if errors.As(err, &oe) && (oe.StatusCode == http.StatusNotFound || oe.StatusCode == http.StatusGone) {
				n.logger.Warn("upstream segment no longer available, skipping",
					slog.Uint64("media_sequence", seq),
					slog.Int("status", oe.StatusCode))
				cur.next = seq + 1
				cur.discontinuity = true
				continue
			}
			return added, err
		}

		if cur.discontinuity {
			seg.Discontinuity = true
			cur.discontinuity = false
		}
		if err := sink.Publish(seg); err != nil {
			return added, err
		}
		cur.next = seq + 1
		added++
	}
	return added, nil
}

// fetchSegment downloads one upstream segment. seq is its upstream media sequence number.
func (n *HLSNormalizer) fetchSegment(ctx context.Context, mediaURL string, seq uint64, ms mediaSegment, sink SegmentSink) (*Segment, error) {
	if ms.ByteRange {
		return nil, permanentFormatError(n.url, "byte-range segments are not supported")
	}

	segURL, err := urlutil.Resolve(mediaURL, ms.URI)
	if err != nil {
		return nil, formatError(n.url, "resolving segment %q: %v", ms.URI, err)
	}

	seg := &Segment{
		Duration:      ms.Duration,
		Discontinuity: ms.Discontinuity,
	}

	if ms.Key != nil {
		key, err := n.segmentKey(ctx, mediaURL, seq, ms.Key, sink)
		if err != nil {
			return nil, err
		}
		seg.Key = key
	}
	if ms.Map != nil {
		id, err := n.initSection(ctx, mediaURL, ms.Map, sink)
		if err != nil {
			return nil, err
		}
		seg.InitID = id
	}

	res, err := n.connector.Fetch(ctx, segURL, n.config.MaxSegmentBytes)
	if err != nil {
		return nil, err
	}

	seg.Data = res.Data
	seg.Extension = segmentExtension(segURL)
	seg.ContentType = contentTypeFor(seg.Extension, res.ContentType)
	return seg, nil
}

// segmentKey republishes an AES-128 key. Other methods cannot be relayed.
// Without an IV attribute the IV is the upstream media sequence number, which the relay
// renumbers, so it is written out explicitly.
func (n *HLSNormalizer) segmentKey(ctx context.Context, mediaURL string, seq uint64, k *playlistKey, sink SegmentSink) (*SegmentKey, error) {
	if k.Method != "AES-128" {
		return nil, permanentFormatError(n.url, "encryption method %s is not supported", k.Method)
	}
	if k.KeyFormat != "" && !strings.EqualFold(k.KeyFormat, "identity") {
		return nil, permanentFormatError(n.url, "key format %s is not supported", k.KeyFormat)
	}
	if k.URI == "" {
		return nil, formatError(n.url, "#EXT-X-KEY without URI")
	}

	keyURL, err := urlutil.Resolve(mediaURL, k.URI)
	if err != nil {
		return nil, formatError(n.url, "resolving key %q: %v", k.URI, err)
	}

	id := assetID(keyURL)
	if !sink.HasAsset(id) {
		res, err := n.connector.Fetch(ctx, keyURL, 1024)
		if err != nil {
			return nil, err
		}
		sink.PutAsset(&Asset{
			ID:          id,
			Kind:        AssetKey,
			Data:        res.Data,
			ContentType: ContentTypeKey,
		})
	}
	iv := k.IV
	if iv == "" {
		iv = sequenceIV(seq)
	}
	return &SegmentKey{Method: k.Method, AssetID: id, IV: iv}, nil
}

// sequenceIV formats a media sequence number as a 128-bit big-endian IV attribute.
func sequenceIV(seq uint64) string {
	return fmt.Sprintf("0x%032X", seq)
}

func (n *HLSNormalizer) initSection(ctx context.Context, mediaURL string, m *playlistMap, sink SegmentSink) (string, error) {
	if m.ByteRange != "" {
		return "", permanentFormatError(n.url, "byte-range init sections are not supported")
	}

	initURL, err := urlutil.Resolve(mediaURL, m.URI)
	if err != nil {
		return "", formatError(n.url, "resolving init section %q: %v", m.URI, err)
	}

	id := assetID(initURL)
	if !sink.HasAsset(id) {
		res, err := n.connector.Fetch(ctx, initURL, n.config.MaxSegmentBytes)
		if err != nil {
			return "", err
		}
		ext := segmentExtension(initURL)
		if ext == ".ts" {
			ext = ".mp4"
		}
		sink.PutAsset(&Asset{
			ID:          id,
			Kind:        AssetInit,
			Data:        res.Data,
			ContentType: ContentTypeFMP4,
			Extension:   ext,
		})
	}
	return id, nil
}

// stallLimit is how long the playlist may go without new segments.
func (n *HLSNormalizer) stallLimit(pl *mediaPlaylist) time.Duration {
	limit := n.config.StallTimeout
	if t := time.Duration(pl.TargetDuration*3) * time.Second; t > limit {
		limit = t
	}
	return limit
}

// pollInterval is half the target duration, bounded below.
func pollInterval(pl *mediaPlaylist) time.Duration {
	d := time.Duration(pl.TargetDuration * float64(time.Second) / 2)
	if d < hlsMinPollInterval {
		d = hlsMinPollInterval
	}
	return d
}

// assetID derives a stable relay identifier from an upstream URL.
func assetID(rawURL string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rawURL))
	return strconv.FormatUint(h.Sum64(), 16)
}

// segmentExtension returns the relay file extension for an upstream segment URL.
func segmentExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".ts", ".m4s", ".mp4", ".aac", ".m4a", ".cmfv", ".cmfa":
		return ext
	default:
		return ".ts"
	}
}

func contentTypeFor(ext, upstream string) string {
	switch ext {
	case ".m4s", ".mp4", ".m4a", ".cmfv", ".cmfa":
		return ContentTypeFMP4
	case ".aac":
		return ContentTypeAAC
	case ".ts":
		return ContentTypeMPEGTS
	}
	if upstream != "" {
		return upstream
	}
	return ContentTypeMPEGTS
}
