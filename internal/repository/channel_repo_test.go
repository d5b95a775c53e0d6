package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/tvrelay/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Channel{}, &models.HealthRecord{})
	require.NoError(t, err)

	return db
}

func TestChannelRepo_Create(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channel := &models.Channel{
		Name:      "News 24",
		Category:  "News",
		StreamURL: "http://origin.example.com/live/1.ts",
		Format:    models.FormatTS,
	}
	require.NoError(t, repo.Create(ctx, channel))
	assert.False(t, channel.ID.IsZero())

	found, err := repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "News 24", found.Name)
	assert.Equal(t, models.FormatTS, found.Format)
	assert.True(t, found.Active())
}

func TestChannelRepo_Create_Invalid(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db)

	err := repo.Create(context.Background(), &models.Channel{Name: "Bad", StreamURL: "rtsp://cam/1"})
	assert.ErrorIs(t, err, models.ErrInvalidURL)
}

func TestChannelRepo_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db)

	found, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestChannelRepo_ListAndFilter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channels := []*models.Channel{
		{Name: "Bravo", Category: "News", StreamURL: "http://o/1", ChannelNumber: 2},
		{Name: "Alpha", Category: "News", StreamURL: "http://o/2", ChannelNumber: 1},
		{Name: "Charlie", Category: "Sport", StreamURL: "http://o/3", ChannelNumber: 3, IsActive: models.BoolPtr(false)},
	}
	require.NoError(t, repo.CreateBatch(ctx, channels))

	all, total, err := repo.List(ctx, ChannelFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, "Alpha", all[0].Name)

	news, total, err := repo.List(ctx, ChannelFilter{Category: "News"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, news, 2)

	page, total, err := repo.List(ctx, ChannelFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, "Bravo", page[0].Name)

	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestChannelRepo_SetActiveAndDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	channel := &models.Channel{Name: "Toggle", StreamURL: "http://o/toggle.m3u8"}
	require.NoError(t, repo.Create(ctx, channel))

	ok, err := repo.SetActive(ctx, channel.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := repo.GetByStreamURL(ctx, "http://o/toggle.m3u8")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.False(t, found.Active())

	ok, err = repo.SetActive(ctx, models.NewULID(), true)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Delete(ctx, channel.ID))
	found, err = repo.GetByID(ctx, channel.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestHealthRecordRepo(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHealthRecordRepository(db)
	ctx := context.Background()

	channelID := models.NewULID()
	other := models.NewULID()
	base := time.Now().Add(-time.Hour)

	records := []*models.HealthRecord{
		{ChannelID: channelID, Status: models.HealthOnline, LatencyMs: 20, HTTPStatus: 206, CreatedAt: base},
		{ChannelID: channelID, Status: models.HealthOffline, ErrorCode: "timeout", CreatedAt: base.Add(time.Minute)},
		{ChannelID: other, Status: models.HealthOnline, CreatedAt: base.Add(2 * time.Minute)},
	}
	require.NoError(t, repo.CreateBatch(ctx, records))

	list, err := repo.ListByChannel(ctx, channelID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "timeout", list[0].ErrorCode)
	assert.Equal(t, models.HealthSourceProbe, list[0].Source)

	latest, err := repo.Latest(ctx, channelID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.HealthOffline, latest.Status)

	none, err := repo.Latest(ctx, models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, none)

	removed, err := repo.DeleteOlderThan(ctx, base.Add(30*time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = repo.DeleteOlderThan(ctx, time.Now().Add(time.Hour), &other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
