package models

import (
	"time"

	"gorm.io/gorm"
)

// HealthStatus is the outcome of a reachability check.
type HealthStatus string

const (
	// HealthOnline means the origin answered with media.
	HealthOnline HealthStatus = "online"
	// HealthOffline means the origin failed the check.
	HealthOffline HealthStatus = "offline"
)

// HealthSource identifies who produced a health record.
type HealthSource string

const (
	// HealthSourceProbe records come from the scheduled or manual prober.
	HealthSourceProbe HealthSource = "probe"
	// HealthSourceViewer records are playback errors reported by viewers.
	HealthSourceViewer HealthSource = "viewer"
	// HealthSourceRelay records are written when a relay session exhausts its retries.
	HealthSourceRelay HealthSource = "relay"
)

// HealthRecord is one append-only reachability outcome for a channel.
// Records are never updated; retention pruning deletes them.
type HealthRecord struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	// ChannelID is the channel that was checked.
	ChannelID ULID `gorm:"type:varchar(26);not null;index" json:"channel_id"`

	// Status is online or offline.
	Status HealthStatus `gorm:"size:16;not null;index" json:"status"`

	// Source is probe, viewer or relay.
	Source HealthSource `gorm:"size:16;not null;default:'probe'" json:"source"`

	// LatencyMs is the time to first response in milliseconds, zero when no response arrived.
	LatencyMs int64 `json:"latency_ms"`

	// HTTPStatus is the status returned by the origin, if any.
	HTTPStatus int `json:"http_status,omitempty"`

	// ErrorCode is a short machine-readable failure reason (timeout, unreachable, http_403, ...).
	ErrorCode string `gorm:"size:64" json:"error_code,omitempty"`

	// Message is a human-readable detail. Origin URLs in it are redacted.
	Message string `gorm:"size:1024" json:"message,omitempty"`
}

// TableName returns the table name for HealthRecord.
func (HealthRecord) TableName() string {
	return "health_records"
}

// Online reports whether the record is an online outcome.
func (r *HealthRecord) Online() bool {
	return r.Status == HealthOnline
}

// Validate performs basic validation on the record.
func (r *HealthRecord) Validate() error {
	if r.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	if r.Status != HealthOnline && r.Status != HealthOffline {
		return ErrInvalidHealthStatus
	}
	return nil
}

// BeforeCreate is a GORM hook that generates the ULID and validates the record.
func (r *HealthRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewULID()
	}
	if r.Source == "" {
		r.Source = HealthSourceProbe
	}
	return r.Validate()
}
