package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tvrelay/internal/health"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
)

// SessionSource is the part of the session registry the status API reads.
type SessionSource interface {
	Snapshot(channelID string) relay.SessionStatus
	Snapshots() []relay.SessionStatus
	Stats() relay.RegistryStats
}

// ChannelGetter resolves channels for status lookups.
type ChannelGetter interface {
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
}

// PlaybackReporter records viewer-reported playback failures.
type PlaybackReporter interface {
	RecordPlaybackError(ctx context.Context, channelID models.ULID, report health.PlaybackError) (*models.HealthRecord, error)
}

// SessionHandler exposes relay session status.
type SessionHandler struct {
	sessions SessionSource
	channels ChannelGetter
	reporter PlaybackReporter
}

// NewSessionHandler creates a session status handler. reporter may be nil.
func NewSessionHandler(sessions SessionSource, channels ChannelGetter, reporter PlaybackReporter) *SessionHandler {
	return &SessionHandler{sessions: sessions, channels: channels, reporter: reporter}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listRelaySessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/relay/sessions",
		Summary:     "List relay sessions",
		Description: "Returns every live session and every channel whose last session failed",
		Tags:        []string{"Relay"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "getRelaySession",
		Method:      http.MethodGet,
		Path:        "/api/v1/relay/sessions/{channel_id}",
		Summary:     "Get relay session status",
		Description: "Returns state, viewers, uptime, failures and buffer statistics for one channel",
		Tags:        []string{"Relay"},
	}, h.GetSession)

	if h.reporter != nil {
		huma.Register(api, huma.Operation{
			OperationID:   "reportPlaybackError",
			Method:        http.MethodPost,
			Path:          "/api/v1/relay/sessions/{channel_id}/playback-errors",
			Summary:       "Report a playback error",
			Description:   "Records a viewer-reported playback failure as an offline health record",
			Tags:          []string{"Relay", "Health"},
			DefaultStatus: http.StatusCreated,
		}, h.ReportPlaybackError)
	}
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct {
	IncludeViewers bool `query:"include_viewers" doc:"Include per-viewer details"`
}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []relay.SessionStatus `json:"sessions"`
		Stats    relay.RegistryStats   `json:"stats"`
	}
}

// ListSessions returns every session snapshot.
func (h *SessionHandler) ListSessions(_ context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
	snaps := h.sessions.Snapshots()
	if !input.IncludeViewers {
		for i := range snaps {
			snaps[i].ViewerDetails = nil
		}
	}

	resp := &ListSessionsOutput{}
	resp.Body.Sessions = snaps
	resp.Body.Stats = h.sessions.Stats()
	return resp, nil
}

// SessionChannelInput identifies a channel by path.
type SessionChannelInput struct {
	ChannelID string `path:"channel_id" doc:"Channel ULID"`
}

// SessionOutput wraps one session snapshot.
type SessionOutput struct {
	Body relay.SessionStatus
}

// GetSession returns a channel's session snapshot. Known channels without a session are absent.
func (h *SessionHandler) GetSession(ctx context.Context, input *SessionChannelInput) (*SessionOutput, error) {
	ch, err := h.channel(ctx, input.ChannelID)
	if err != nil {
		return nil, err
	}

	snap := h.sessions.Snapshot(ch.ID.String())
	if snap.ChannelName == "" {
		snap.ChannelName = ch.Name
	}
	return &SessionOutput{Body: snap}, nil
}

// PlaybackErrorInput is a viewer-reported failure.
type PlaybackErrorInput struct {
	ChannelID string `path:"channel_id"`
	Body      struct {
		HTTPStatus int    `json:"http_status,omitempty" doc:"Status the player received, if any"`
		Code       string `json:"code,omitempty" maxLength:"64" doc:"Player error code"`
		Message    string `json:"message,omitempty" maxLength:"1024"`
	}
}

// PlaybackErrorOutput returns the stored record.
type PlaybackErrorOutput struct {
	Body HealthRecordResponse
}

// ReportPlaybackError records a playback failure. It does not affect the session.
func (h *SessionHandler) ReportPlaybackError(ctx context.Context, input *PlaybackErrorInput) (*PlaybackErrorOutput, error) {
	id, ok := parseID(input.ChannelID)
	if !ok {
		return nil, huma.Error400BadRequest("invalid channel id")
	}

	rec, err := h.reporter.RecordPlaybackError(ctx, id, health.PlaybackError{
		HTTPStatus: input.Body.HTTPStatus,
		Code:       input.Body.Code,
		Message:    input.Body.Message,
	})
	if errors.Is(err, health.ErrChannelNotFound) {
		return nil, huma.Error404NotFound("channel not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to record playback error")
	}
	return &PlaybackErrorOutput{Body: HealthRecordFromModel(rec)}, nil
}

func (h *SessionHandler) channel(ctx context.Context, rawID string) (*models.Channel, error) {
	id, ok := parseID(rawID)
	if !ok {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	ch, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to look up channel")
	}
	if ch == nil {
		return nil, huma.Error404NotFound("channel not found")
	}
	return ch, nil
}
