package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_TableName(t *testing.T) {
	assert.Equal(t, "channels", Channel{}.TableName())
	assert.Equal(t, "health_records", HealthRecord{}.TableName())
}

func TestChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		wantErr error
	}{
		{
			name:    "valid channel",
			channel: Channel{Name: "News", StreamURL: "http://example.com/live/1.ts"},
		},
		{
			name:    "valid hls channel",
			channel: Channel{Name: "News", StreamURL: "https://example.com/1.m3u8", Format: FormatHLS},
		},
		{
			name:    "missing name",
			channel: Channel{Name: "  ", StreamURL: "http://example.com/stream"},
			wantErr: ErrNameRequired,
		},
		{
			name:    "missing stream URL",
			channel: Channel{Name: "News"},
			wantErr: ErrStreamURLRequired,
		},
		{
			name:    "rtmp stream URL",
			channel: Channel{Name: "News", StreamURL: "rtmp://example.com/live"},
			wantErr: ErrInvalidURL,
		},
		{
			name:    "unknown format",
			channel: Channel{Name: "News", StreamURL: "http://example.com/stream", Format: "dash"},
			wantErr: ErrInvalidFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.channel.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChannel_BeforeCreate(t *testing.T) {
	c := Channel{Name: "News", StreamURL: "http://example.com/stream"}
	require.NoError(t, c.BeforeCreate(nil))

	assert.False(t, c.ID.IsZero())
	assert.Equal(t, FormatUnknown, c.Format)
	assert.True(t, c.Active())

	c.IsActive = BoolPtr(false)
	assert.False(t, c.Active())
}

func TestHealthRecord_BeforeCreate(t *testing.T) {
	r := HealthRecord{ChannelID: NewULID(), Status: HealthOffline}
	require.NoError(t, r.BeforeCreate(nil))
	assert.False(t, r.ID.IsZero())
	assert.Equal(t, HealthSourceProbe, r.Source)
	assert.False(t, r.Online())

	assert.ErrorIs(t, (&HealthRecord{Status: HealthOnline}).Validate(), ErrChannelIDRequired)
	assert.ErrorIs(t, (&HealthRecord{ChannelID: NewULID(), Status: "degraded"}).Validate(), ErrInvalidHealthStatus)
}
