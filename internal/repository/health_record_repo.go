package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/tvrelay/internal/models"
)

// healthRecordRepo implements HealthRecordRepository using GORM.
type healthRecordRepo struct {
	db *gorm.DB
}

// NewHealthRecordRepository creates a new HealthRecordRepository.
func NewHealthRecordRepository(db *gorm.DB) *healthRecordRepo {
	return &healthRecordRepo{db: db}
}

// Create appends a record.
func (r *healthRecordRepo) Create(ctx context.Context, record *models.HealthRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating health record: %w", err)
	}
	return nil
}

// CreateBatch appends multiple records.
func (r *healthRecordRepo) CreateBatch(ctx context.Context, records []*models.HealthRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(records, 500).Error; err != nil {
		return fmt.Errorf("creating health record batch: %w", err)
	}
	return nil
}

// ListByChannel returns the newest records for a channel.
func (r *healthRecordRepo) ListByChannel(ctx context.Context, channelID models.ULID, limit int) ([]*models.HealthRecord, error) {
	q := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []*models.HealthRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing health records: %w", err)
	}
	return records, nil
}

// Latest returns the newest record for a channel.
func (r *healthRecordRepo) Latest(ctx context.Context, channelID models.ULID) (*models.HealthRecord, error) {
	var record models.HealthRecord
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest health record: %w", err)
	}
	return &record, nil
}

// DeleteOlderThan prunes records created before the cutoff.
func (r *healthRecordRepo) DeleteOlderThan(ctx context.Context, before time.Time, channelID *models.ULID) (int64, error) {
	q := r.db.WithContext(ctx).Where("created_at < ?", before)
	if channelID != nil {
		q = q.Where("channel_id = ?", *channelID)
	}
	result := q.Delete(&models.HealthRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning health records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count returns the number of records.
func (r *healthRecordRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.HealthRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting health records: %w", err)
	}
	return count, nil
}

// Ensure healthRecordRepo implements HealthRecordRepository.
var _ HealthRecordRepository = (*healthRecordRepo)(nil)
