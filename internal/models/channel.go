package models

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/jmylchreest/tvrelay/internal/urlutil"
)

// ChannelFormat is the declared upstream format of a channel.
type ChannelFormat string

const (
	// FormatHLS is an HLS (.m3u8) origin.
	FormatHLS ChannelFormat = "hls"
	// FormatTS is a raw MPEG-TS origin.
	FormatTS ChannelFormat = "ts"
	// FormatUnknown lets the relay infer the format from the URL.
	FormatUnknown ChannelFormat = "unknown"
)

// IsValid reports whether f is a known format. The empty value counts as unknown.
func (f ChannelFormat) IsValid() bool {
	switch f {
	case FormatHLS, FormatTS, FormatUnknown, "":
		return true
	default:
		return false
	}
}

// Channel is a relayable IPTV channel. The relay reads it when a session is created.
type Channel struct {
	BaseModel

	// Name is the display name.
	Name string `gorm:"not null;size:512" json:"name"`

	// Category groups channels for display (M3U group-title).
	Category string `gorm:"size:255;index" json:"category,omitempty"`

	// StreamURL is the upstream origin URL.
	StreamURL string `gorm:"not null;size:4096" json:"stream_url"`

	// Format is the declared upstream format.
	Format ChannelFormat `gorm:"size:16;default:'unknown'" json:"format"`

	// TvgID is the EPG identifier carried over from M3U imports.
	TvgID string `gorm:"size:255;index" json:"tvg_id,omitempty"`

	// LogoURL is the channel logo.
	LogoURL string `gorm:"size:2048" json:"logo_url,omitempty"`

	// ChannelNumber is the channel number (tvg-chno) if specified.
	ChannelNumber int `gorm:"default:0" json:"channel_number,omitempty"`

	// IsActive disables relaying when false. Nil means active.
	IsActive *bool `gorm:"default:true" json:"is_active"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// Active reports whether the channel may be relayed.
func (c *Channel) Active() bool {
	return BoolVal(c.IsActive)
}

// Validate performs basic validation on the channel.
func (c *Channel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrNameRequired
	}
	if c.StreamURL == "" {
		return ErrStreamURLRequired
	}
	if err := urlutil.ValidateStreamURL(c.StreamURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !c.Format.IsValid() {
		return ErrInvalidFormat
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the channel and generates ULID.
func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if c.Format == "" {
		c.Format = FormatUnknown
	}
	return c.Validate()
}

// BeforeUpdate is a GORM hook that validates the channel before update.
func (c *Channel) BeforeUpdate(tx *gorm.DB) error {
	return c.Validate()
}
