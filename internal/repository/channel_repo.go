package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/tvrelay/internal/models"
)

// channelRepo implements ChannelRepository using GORM.
type channelRepo struct {
	db *gorm.DB
}

// NewChannelRepository creates a new ChannelRepository.
func NewChannelRepository(db *gorm.DB) *channelRepo {
	return &channelRepo{db: db}
}

// Create creates a new channel.
func (r *channelRepo) Create(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	return nil
}

// CreateBatch creates multiple channels in a single transaction.
func (r *channelRepo) CreateBatch(ctx context.Context, channels []*models.Channel) error {
	if len(channels) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(channels, 500).Error
	})
	if err != nil {
		return fmt.Errorf("creating channel batch: %w", err)
	}
	return nil
}

// GetByID retrieves a channel by ID.
func (r *channelRepo) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&channel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel by ID: %w", err)
	}
	return &channel, nil
}

// GetByStreamURL retrieves a channel by its origin URL.
func (r *channelRepo) GetByStreamURL(ctx context.Context, streamURL string) (*models.Channel, error) {
	var channel models.Channel
	if err := r.db.WithContext(ctx).Where("stream_url = ?", streamURL).First(&channel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel by stream URL: %w", err)
	}
	return &channel, nil
}

// List retrieves channels matching filter.
func (r *channelRepo) List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Channel{})
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting channels: %w", err)
	}

	q = q.Order("channel_number ASC").Order("name ASC")
	if filter.Limit > 0 {
		q = q.Offset(filter.Offset).Limit(filter.Limit)
	}

	var channels []*models.Channel
	if err := q.Find(&channels).Error; err != nil {
		return nil, 0, fmt.Errorf("listing channels: %w", err)
	}
	return channels, total, nil
}

// GetActive retrieves every active channel.
func (r *channelRepo) GetActive(ctx context.Context) ([]*models.Channel, error) {
	channels, _, err := r.List(ctx, ChannelFilter{ActiveOnly: true})
	return channels, err
}

// Update updates an existing channel.
func (r *channelRepo) Update(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// SetActive toggles a channel.
func (r *channelRepo) SetActive(ctx context.Context, id models.ULID, active bool) (bool, error) {
	channel, err := r.GetByID(ctx, id)
	if err != nil || channel == nil {
		return false, err
	}
	channel.IsActive = models.BoolPtr(active)
	if err := r.Update(ctx, channel); err != nil {
		return false, err
	}
	return true, nil
}

// Delete deletes a channel by ID.
func (r *channelRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Channel{}).Error; err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return nil
}

// Count returns the number of channels.
func (r *channelRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Channel{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting channels: %w", err)
	}
	return count, nil
}

// Ensure channelRepo implements ChannelRepository.
var _ ChannelRepository = (*channelRepo)(nil)
