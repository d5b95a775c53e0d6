// Package repository defines data access interfaces for tvrelay entities.
// All database access goes through these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/tvrelay/internal/models"
)

// ChannelFilter narrows channel listings.
type ChannelFilter struct {
	// Category matches channels in one category.
	Category string
	// ActiveOnly excludes disabled channels.
	ActiveOnly bool
	// Offset and Limit page the result; Limit <= 0 returns everything.
	Offset int
	Limit  int
}

// ChannelRepository defines operations for channel persistence.
type ChannelRepository interface {
	// Create creates a new channel.
	Create(ctx context.Context, channel *models.Channel) error
	// CreateBatch creates multiple channels in a single transaction.
	CreateBatch(ctx context.Context, channels []*models.Channel) error
	// GetByID retrieves a channel by ID. It returns nil, nil when not found.
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
	// GetByStreamURL retrieves a channel by its origin URL. It returns nil, nil when not found.
	GetByStreamURL(ctx context.Context, streamURL string) (*models.Channel, error)
	// List retrieves channels ordered by channel number and name, plus the unpaged total.
	List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, int64, error)
	// GetActive retrieves every active channel.
	GetActive(ctx context.Context) ([]*models.Channel, error)
	// Update updates an existing channel.
	Update(ctx context.Context, channel *models.Channel) error
	// SetActive toggles a channel. It returns false when the channel does not exist.
	SetActive(ctx context.Context, id models.ULID, active bool) (bool, error)
	// Delete deletes a channel by ID.
	Delete(ctx context.Context, id models.ULID) error
	// Count returns the number of channels.
	Count(ctx context.Context) (int64, error)
}

// HealthRecordRepository defines operations for the append-only health log.
type HealthRecordRepository interface {
	// Create appends a record.
	Create(ctx context.Context, record *models.HealthRecord) error
	// CreateBatch appends multiple records.
	CreateBatch(ctx context.Context, records []*models.HealthRecord) error
	// ListByChannel returns the newest records for a channel, newest first.
	ListByChannel(ctx context.Context, channelID models.ULID, limit int) ([]*models.HealthRecord, error)
	// Latest returns the newest record for a channel. It returns nil, nil when there is none.
	Latest(ctx context.Context, channelID models.ULID) (*models.HealthRecord, error)
	// DeleteOlderThan prunes records created before the cutoff, optionally for one channel.
	DeleteOlderThan(ctx context.Context, before time.Time, channelID *models.ULID) (int64, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int64, error)
}
