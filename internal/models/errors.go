package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrStreamURLRequired indicates a required stream URL field is empty.
	ErrStreamURLRequired = errors.New("stream_url is required")

	// ErrInvalidURL indicates a malformed or non-http(s) stream URL.
	ErrInvalidURL = errors.New("invalid URL format")

	// ErrInvalidFormat indicates an unknown declared stream format.
	ErrInvalidFormat = errors.New("invalid format: must be 'hls', 'ts' or 'unknown'")

	// ErrChannelIDRequired indicates a required channel ID field is empty.
	ErrChannelIDRequired = errors.New("channel_id is required")

	// ErrInvalidHealthStatus indicates a health status other than online or offline.
	ErrInvalidHealthStatus = errors.New("invalid health status: must be 'online' or 'offline'")
)
