package handlers

import (
	"time"

	"github.com/jmylchreest/tvrelay/internal/models"
)

// ChannelResponse is the API representation of a channel.
type ChannelResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	StreamURL     string    `json:"stream_url"`
	Format        string    `json:"format"`
	TvgID         string    `json:"tvg_id,omitempty"`
	LogoURL       string    `json:"logo_url,omitempty"`
	ChannelNumber int       `json:"channel_number,omitempty"`
	IsActive      bool      `json:"is_active"`
	RelayURL      string    `json:"relay_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChannelFromModel converts a channel model. The origin URL is passed through: the channel
// API is an administrative surface.
func ChannelFromModel(c *models.Channel) ChannelResponse {
	format := string(c.Format)
	if format == "" {
		format = string(models.FormatUnknown)
	}
	return ChannelResponse{
		ID:            c.ID.String(),
		Name:          c.Name,
		Category:      c.Category,
		StreamURL:     c.StreamURL,
		Format:        format,
		TvgID:         c.TvgID,
		LogoURL:       c.LogoURL,
		ChannelNumber: c.ChannelNumber,
		IsActive:      c.Active(),
		RelayURL:      "/relay/" + c.ID.String(),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// HealthRecordResponse is the API representation of a health record.
type HealthRecordResponse struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	LatencyMs  int64     `json:"latency_ms"`
	HTTPStatus int       `json:"http_status,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HealthRecordFromModel converts a health record model.
func HealthRecordFromModel(r *models.HealthRecord) HealthRecordResponse {
	return HealthRecordResponse{
		ID:         r.ID.String(),
		ChannelID:  r.ChannelID.String(),
		Status:     string(r.Status),
		Source:     string(r.Source),
		LatencyMs:  r.LatencyMs,
		HTTPStatus: r.HTTPStatus,
		ErrorCode:  r.ErrorCode,
		Message:    r.Message,
		CreatedAt:  r.CreatedAt,
	}
}

// parseID parses a path id, mapping failures to a 400 for the caller.
func parseID(raw string) (models.ULID, bool) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, false
	}
	return id, true
}
