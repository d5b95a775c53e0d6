package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/valyala/bytebufferpool"

	"github.com/jmylchreest/tvrelay/internal/relay"
)

// FollowStreamName is the segment id of the continuous MPEG-TS stream of a channel.
const FollowStreamName = "stream.ts"

// viewerParam carries the viewer handle id in relay URIs.
const viewerParam = "viewer"

// RelayRegistry is the part of the session registry the viewer routes use.
type RelayRegistry interface {
	Attach(ctx context.Context, channelID string, info relay.ViewerInfo) (*relay.ViewerHandle, error)
	Viewer(id string) (*relay.ViewerHandle, bool)
	Session(channelID string) (*relay.RelaySession, bool)
}

// RelayStreamConfig configures the viewer routes.
type RelayStreamConfig struct {
	// PlaylistSize is the number of segments listed in a manifest.
	PlaylistSize int
	// SegmentWaitTimeout bounds how long a manifest request waits for a new session's first segment.
	SegmentWaitTimeout time.Duration
	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

// RelayStreamHandler serves relay manifests, segments and follow-mode streams.
// These are raw chi routes: attach answers with a 302, and streams write before they finish.
type RelayStreamHandler struct {
	registry RelayRegistry
	config   RelayStreamConfig
	logger   *slog.Logger
}

// NewRelayStreamHandler creates the viewer route handler.
func NewRelayStreamHandler(registry RelayRegistry, config RelayStreamConfig) *RelayStreamHandler {
	if config.PlaylistSize <= 0 {
		config.PlaylistSize = relay.DefaultPlaylistSize
	}
	if config.SegmentWaitTimeout <= 0 {
		config.SegmentWaitTimeout = relay.DefaultSegmentWaitTimeout
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = 10 * time.Second
	}
	return &RelayStreamHandler{
		registry: registry,
		config:   config,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (h *RelayStreamHandler) WithLogger(logger *slog.Logger) *RelayStreamHandler {
	if logger != nil {
		h.logger = logger.With(slog.String("component", "http.relay"))
	}
	return h
}

// RegisterChiRoutes registers the viewer routes. CORS preflight is answered by middleware.
func (h *RelayStreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/relay/{channelID}", h.handlePlaylist)
	router.Head("/relay/{channelID}", h.handlePlaylist)
	router.Get("/relay/{channelID}/{segmentID}", h.handleSegment)
	router.Head("/relay/{channelID}/{segmentID}", h.handleSegment)
}

// handlePlaylist attaches a new viewer and redirects it to its own manifest URI, or renders
// the manifest for an attached viewer.
func (h *RelayStreamHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	viewer, ok := h.lookupViewer(r, channelID)
	if !ok {
		h.attachAndRedirect(w, r, channelID)
		return
	}
	session := viewer.Session()
	// Not touched: the reaper releases the handle and the next request attaches afresh.
	if session.State() == relay.StateFailed {
		h.writeError(w, r, channelID, relay.ErrChannelUnavailable)
		return
	}
	viewer.Touch()

	ctx, cancel := context.WithTimeout(r.Context(), h.config.SegmentWaitTimeout)
	defer cancel()
	if err := session.WaitReady(ctx); err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeError(w, r, channelID, err)
		return
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	base := "/relay/" + url.PathEscape(channelID) + "/"
	query := "?" + viewerParam + "=" + url.QueryEscape(viewer.ID())
	err := session.WritePlaylist(buf, h.config.PlaylistSize, viewer.TakeLag(), func(name string) string {
		return base + name + query
	})
	if err != nil {
		h.writeError(w, r, channelID, err)
		return
	}

	setRelayHeaders(w, relay.ContentTypeHLSPlaylist, buf.Len())
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.B)
	}
}

func (h *RelayStreamHandler) attachAndRedirect(w http.ResponseWriter, r *http.Request, channelID string) {
	viewer, err := h.registry.Attach(r.Context(), channelID, viewerInfo(r, false))
	if err != nil {
		h.writeError(w, r, channelID, err)
		return
	}

	q := r.URL.Query()
	q.Set(viewerParam, viewer.ID())
	target := url.URL{Path: r.URL.Path, RawQuery: q.Encode()}

	h.logger.DebugContext(r.Context(), "viewer attached, redirecting",
		slog.String("channel_id", viewer.ChannelID()),
		slog.String("viewer_id", viewer.ID()))

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// lookupViewer returns the attached viewer named in the request, if it belongs to channelID.
func (h *RelayStreamHandler) lookupViewer(r *http.Request, channelID string) (*relay.ViewerHandle, bool) {
	id := r.URL.Query().Get(viewerParam)
	if id == "" {
		return nil, false
	}
	viewer, ok := h.registry.Viewer(id)
	if !ok || viewer.Detached() || !strings.EqualFold(viewer.ChannelID(), channelID) {
		return nil, false
	}
	return viewer, true
}

// handleSegment serves a segment, key or init section, or the follow-mode stream.
func (h *RelayStreamHandler) handleSegment(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	segmentID := chi.URLParam(r, "segmentID")

	if segmentID == FollowStreamName {
		h.handleFollow(w, r, channelID)
		return
	}

	viewer, hasViewer := h.lookupViewer(r, channelID)
	var session *relay.RelaySession
	if hasViewer {
		session = viewer.Session()
	} else {
		var ok bool
		if session, ok = h.registry.Session(channelID); !ok {
			http.Error(w, "no active session for channel", http.StatusNotFound)
			return
		}
	}

	if assetID, ok := parseAssetName(segmentID); ok {
		asset, found := session.Asset(assetID)
		if !found {
			http.Error(w, "asset not found", http.StatusNotFound)
			return
		}
		if hasViewer {
			viewer.Touch()
		}
		h.writeBody(w, r, asset.ContentType, asset.Data, "private, max-age=300")
		return
	}

	seq, ok := parseSegmentName(segmentID)
	if !ok {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}

	var (
		seg *relay.Segment
		err error
	)
	if hasViewer {
		seg, err = viewer.Segment(seq)
	} else {
		seg, err = session.Ring().Get(seq)
	}
	if err != nil {
		h.writeError(w, r, channelID, err)
		return
	}
	h.writeBody(w, r, seg.ContentType, seg.Data, "private, max-age=60")
}

// handleFollow writes every segment of a TS session as one continuous MPEG-TS response.
// The viewer is persistent: it detaches when the client disconnects.
func (h *RelayStreamHandler) handleFollow(w http.ResponseWriter, r *http.Request, channelID string) {
	viewer, err := h.registry.Attach(r.Context(), channelID, viewerInfo(r, true))
	if err != nil {
		h.writeError(w, r, channelID, err)
		return
	}
	defer viewer.Detach()

	ctx := r.Context()
	rc := http.NewResponseController(w)
	setRelayHeaders(w, relay.ContentTypeMPEGTS, -1)
	w.Header().Set("Cache-Control", "no-cache, no-store")

	started := false
	for {
		seg, err := viewer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !started {
				h.writeError(w, r, channelID, err)
			}
			h.logger.DebugContext(ctx, "follow stream ended",
				slog.String("viewer_id", viewer.ID()),
				slog.String("error", err.Error()))
			return
		}

		if seg.ContentType != relay.ContentTypeMPEGTS {
			if !started {
				http.Error(w, "channel is not available as MPEG-TS", http.StatusNotAcceptable)
			}
			return
		}
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
			if r.Method == http.MethodHead {
				return
			}
		}
		if _, err := w.Write(seg.Data); err != nil {
			return
		}
		_ = rc.Flush()
	}
}

func (h *RelayStreamHandler) writeBody(w http.ResponseWriter, r *http.Request, contentType string, data []byte, cache string) {
	setRelayHeaders(w, contentType, len(data))
	w.Header().Set("Cache-Control", cache)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

// writeError maps relay errors to viewer-facing status codes. Origin details are logged,
// never returned.
func (h *RelayStreamHandler) writeError(w http.ResponseWriter, r *http.Request, channelID string, err error) {
	status := relayErrorStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter.Seconds())))
	}

	level := slog.LevelDebug
	if status >= 500 {
		level = slog.LevelWarn
	}
	h.logger.Log(r.Context(), level, "relay request failed",
		slog.String("channel_id", channelID),
		slog.Int("status", status),
		slog.String("error", err.Error()))

	http.Error(w, relayErrorMessage(status), status)
}

func relayErrorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrChannelNotFound), errors.Is(err, relay.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrChannelInactive):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrSegmentExpired), errors.Is(err, relay.ErrViewerDetached):
		return http.StatusGone
	default:
		// Unavailable, session limit, shutdown, first-segment timeout and anything from the origin.
		return http.StatusServiceUnavailable
	}
}

func relayErrorMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not found"
	case http.StatusForbidden:
		return "channel disabled"
	case http.StatusGone:
		return "segment expired"
	default:
		return "channel unavailable"
	}
}

func setRelayHeaders(w http.ResponseWriter, contentType string, length int) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	if length >= 0 {
		h.Set("Content-Length", strconv.Itoa(length))
	}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Content-Type-Options", "nosniff")
}

func viewerInfo(r *http.Request, persistent bool) relay.ViewerInfo {
	return relay.ViewerInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Persistent: persistent,
	}
}

// parseSegmentName parses "<sequence>.<ext>".
func parseSegmentName(name string) (uint64, bool) {
	base, ext, ok := strings.Cut(name, ".")
	if !ok || ext == "" || base == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// parseAssetName parses "key-<id>.key" and "init-<id>.<ext>".
func parseAssetName(name string) (string, bool) {
	for _, prefix := range []string{"key-", "init-"} {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		id, _, _ := strings.Cut(rest, ".")
		if id == "" {
			return "", false
		}
		return id, true
	}
	return "", false
}
