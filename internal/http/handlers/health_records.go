package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tvrelay/internal/config"
	"github.com/jmylchreest/tvrelay/internal/health"
	"github.com/jmylchreest/tvrelay/internal/models"
)

// HealthRecordHandler exposes the health monitor.
type HealthRecordHandler struct {
	monitor *health.Monitor
}

// NewHealthRecordHandler creates a health monitor handler.
func NewHealthRecordHandler(monitor *health.Monitor) *HealthRecordHandler {
	return &HealthRecordHandler{monitor: monitor}
}

// Register registers the health monitor routes with the API.
func (h *HealthRecordHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealthSummary",
		Method:      http.MethodGet,
		Path:        "/api/v1/health/summary",
		Summary:     "Channel health summary",
		Description: "Online, offline and unknown channel counts plus the last probe run",
		Tags:        []string{"Health"},
	}, h.GetSummary)

	huma.Register(api, huma.Operation{
		OperationID: "listHealthRecords",
		Method:      http.MethodGet,
		Path:        "/api/v1/health/channels/{channel_id}/records",
		Summary:     "List a channel's health records",
		Tags:        []string{"Health"},
	}, h.ListRecords)

	huma.Register(api, huma.Operation{
		OperationID: "runHealthProbe",
		Method:      http.MethodPost,
		Path:        "/api/v1/health/probe",
		Summary:     "Run a health probe",
		Description: "Probes one channel, or every active channel when channel_id is omitted",
		Tags:        []string{"Health"},
	}, h.RunProbe)

	huma.Register(api, huma.Operation{
		OperationID: "pruneHealthRecords",
		Method:      http.MethodDelete,
		Path:        "/api/v1/health/records",
		Summary:     "Prune health records",
		Tags:        []string{"Health"},
	}, h.Prune)
}

// HealthSummaryOutput wraps the monitor summary.
type HealthSummaryOutput struct {
	Body health.Summary
}

// GetSummary returns the aggregate channel health.
func (h *HealthRecordHandler) GetSummary(ctx context.Context, _ *struct{}) (*HealthSummaryOutput, error) {
	sum, err := h.monitor.Summary(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to build health summary")
	}
	return &HealthSummaryOutput{Body: sum}, nil
}

// ListRecordsInput selects a channel's records.
type ListRecordsInput struct {
	ChannelID string `path:"channel_id"`
	Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
}

// ListRecordsOutput lists records newest first.
type ListRecordsOutput struct {
	Body struct {
		Records []HealthRecordResponse `json:"records"`
	}
}

// ListRecords returns the newest records of a channel.
func (h *HealthRecordHandler) ListRecords(ctx context.Context, input *ListRecordsInput) (*ListRecordsOutput, error) {
	id, ok := parseID(input.ChannelID)
	if !ok {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	records, err := h.monitor.Records(ctx, id, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list health records")
	}

	resp := &ListRecordsOutput{}
	resp.Body.Records = make([]HealthRecordResponse, len(records))
	for i, r := range records {
		resp.Body.Records[i] = HealthRecordFromModel(r)
	}
	return resp, nil
}

// RunProbeInput optionally names one channel.
type RunProbeInput struct {
	Body struct {
		ChannelID string `json:"channel_id,omitempty"`
	}
}

// RunProbeOutput reports the probe outcome.
type RunProbeOutput struct {
	Body struct {
		Run    *health.RunSummary    `json:"run,omitempty"`
		Record *HealthRecordResponse `json:"record,omitempty"`
	}
}

// RunProbe probes now.
func (h *HealthRecordHandler) RunProbe(ctx context.Context, input *RunProbeInput) (*RunProbeOutput, error) {
	resp := &RunProbeOutput{}

	if input.Body.ChannelID != "" {
		id, ok := parseID(input.Body.ChannelID)
		if !ok {
			return nil, huma.Error400BadRequest("invalid channel id")
		}
		rec, err := h.monitor.ProbeChannel(ctx, id)
		if errors.Is(err, health.ErrChannelNotFound) {
			return nil, huma.Error404NotFound("channel not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("probe failed")
		}
		out := HealthRecordFromModel(rec)
		resp.Body.Record = &out
		return resp, nil
	}

	run, err := h.monitor.ProbeAll(ctx)
	if errors.Is(err, health.ErrProbeInProgress) {
		return nil, huma.Error409Conflict("a probe run is already in progress")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("probe run failed")
	}
	resp.Body.Run = &run
	return resp, nil
}

// PruneInput selects records to delete.
type PruneInput struct {
	OlderThan string `query:"older_than" default:"7d" doc:"Age cutoff, e.g. 36h, 7d, 2w"`
	ChannelID string `query:"channel_id" doc:"Restrict pruning to one channel"`
}

// PruneOutput reports how many records were deleted.
type PruneOutput struct {
	Body struct {
		Removed int64 `json:"removed"`
	}
}

// Prune deletes old records.
func (h *HealthRecordHandler) Prune(ctx context.Context, input *PruneInput) (*PruneOutput, error) {
	age, err := config.ParseDuration(input.OlderThan)
	if err != nil || age.Duration() <= 0 {
		return nil, huma.Error400BadRequest("invalid older_than duration")
	}

	var channelID *models.ULID
	if input.ChannelID != "" {
		id, ok := parseID(input.ChannelID)
		if !ok {
			return nil, huma.Error400BadRequest("invalid channel id")
		}
		channelID = &id
	}

	removed, err := h.monitor.Prune(ctx, age.Duration(), channelID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to prune health records")
	}

	resp := &PruneOutput{}
	resp.Body.Removed = removed
	return resp, nil
}
