package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

// ChannelHandler handles channel management endpoints.
type ChannelHandler struct {
	repo   repository.ChannelRepository
	logger *slog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(repo repository.ChannelRepository) *ChannelHandler {
	return &ChannelHandler{
		repo:   repo,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ChannelHandler) WithLogger(logger *slog.Logger) *ChannelHandler {
	h.logger = logger
	return h
}

// Register registers the channel routes with the API.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      http.MethodGet,
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns a paginated list of relayable channels",
		Tags:        []string{"Channels"},
	}, h.ListChannels)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      http.MethodGet,
		Path:        "/api/v1/channels/{id}",
		Summary:     "Get channel by ID",
		Tags:        []string{"Channels"},
	}, h.GetChannel)

	huma.Register(api, huma.Operation{
		OperationID:   "createChannel",
		Method:        http.MethodPost,
		Path:          "/api/v1/channels",
		Summary:       "Create channel",
		Tags:          []string{"Channels"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateChannel)

	huma.Register(api, huma.Operation{
		OperationID: "updateChannel",
		Method:      http.MethodPut,
		Path:        "/api/v1/channels/{id}",
		Summary:     "Update channel",
		Description: "Changes take effect when the channel's next relay session starts",
		Tags:        []string{"Channels"},
	}, h.UpdateChannel)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteChannel",
		Method:        http.MethodDelete,
		Path:          "/api/v1/channels/{id}",
		Summary:       "Delete channel",
		Tags:          []string{"Channels"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteChannel)

	huma.Register(api, huma.Operation{
		OperationID: "setChannelActive",
		Method:      http.MethodPost,
		Path:        "/api/v1/channels/{id}/active",
		Summary:     "Enable or disable a channel",
		Tags:        []string{"Channels"},
	}, h.SetActive)
}

// ListChannelsInput is the input for listing channels.
type ListChannelsInput struct {
	Page       int    `query:"page" default:"1" minimum:"1"`
	Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	Category   string `query:"category"`
	ActiveOnly bool   `query:"active_only"`
}

// ListChannelsOutput is the output for listing channels.
type ListChannelsOutput struct {
	Body struct {
		Items      []ChannelResponse `json:"items"`
		Total      int64             `json:"total"`
		Page       int               `json:"page"`
		PerPage    int               `json:"per_page"`
		TotalPages int               `json:"total_pages"`
		HasNext    bool              `json:"has_next"`
		HasPrev    bool              `json:"has_previous"`
	}
}

// ListChannels returns a page of channels.
func (h *ChannelHandler) ListChannels(ctx context.Context, input *ListChannelsInput) (*ListChannelsOutput, error) {
	channels, total, err := h.repo.List(ctx, repository.ChannelFilter{
		Category:   input.Category,
		ActiveOnly: input.ActiveOnly,
		Offset:     (input.Page - 1) * input.Limit,
		Limit:      input.Limit,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list channels", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("failed to list channels")
	}

	items := make([]ChannelResponse, len(channels))
	for i, ch := range channels {
		items[i] = ChannelFromModel(ch)
	}

	totalPages := int(total) / input.Limit
	if int(total)%input.Limit > 0 {
		totalPages++
	}

	resp := &ListChannelsOutput{}
	resp.Body.Items = items
	resp.Body.Total = total
	resp.Body.Page = input.Page
	resp.Body.PerPage = input.Limit
	resp.Body.TotalPages = totalPages
	resp.Body.HasNext = input.Page < totalPages
	resp.Body.HasPrev = input.Page > 1
	return resp, nil
}

// ChannelIDInput identifies a channel by path.
type ChannelIDInput struct {
	ID string `path:"id" doc:"Channel ULID"`
}

// ChannelOutput wraps a single channel.
type ChannelOutput struct {
	Body ChannelResponse
}

// GetChannel returns one channel.
func (h *ChannelHandler) GetChannel(ctx context.Context, input *ChannelIDInput) (*ChannelOutput, error) {
	ch, err := h.find(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &ChannelOutput{Body: ChannelFromModel(ch)}, nil
}

// ChannelBody is the writable part of a channel.
type ChannelBody struct {
	Name          string `json:"name" minLength:"1" maxLength:"512"`
	StreamURL     string `json:"stream_url" minLength:"1" maxLength:"4096"`
	Format        string `json:"format,omitempty" enum:"hls,ts,unknown"`
	Category      string `json:"category,omitempty"`
	TvgID         string `json:"tvg_id,omitempty"`
	LogoURL       string `json:"logo_url,omitempty"`
	ChannelNumber int    `json:"channel_number,omitempty"`
	IsActive      *bool  `json:"is_active,omitempty"`
}

func (b ChannelBody) apply(ch *models.Channel) {
	ch.Name = b.Name
	ch.StreamURL = b.StreamURL
	ch.Format = models.ChannelFormat(b.Format)
	if ch.Format == "" {
		ch.Format = models.FormatUnknown
	}
	ch.Category = b.Category
	ch.TvgID = b.TvgID
	ch.LogoURL = b.LogoURL
	ch.ChannelNumber = b.ChannelNumber
	if b.IsActive != nil {
		ch.IsActive = models.BoolPtr(*b.IsActive)
	} else if ch.IsActive == nil {
		ch.IsActive = models.BoolPtr(true)
	}
}

// CreateChannelInput is the input for creating a channel.
type CreateChannelInput struct {
	Body ChannelBody
}

// CreateChannel adds a channel. Origin URLs are unique.
func (h *ChannelHandler) CreateChannel(ctx context.Context, input *CreateChannelInput) (*ChannelOutput, error) {
	existing, err := h.repo.GetByStreamURL(ctx, input.Body.StreamURL)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to check for duplicate channel")
	}
	if existing != nil {
		return nil, huma.Error409Conflict("a channel with this stream_url already exists")
	}

	ch := &models.Channel{}
	input.Body.apply(ch)
	if err := ch.Validate(); err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	if err := h.repo.Create(ctx, ch); err != nil {
		return nil, h.storageError(ctx, "create", err)
	}

	h.logger.InfoContext(ctx, "channel created",
		slog.String("channel_id", ch.ID.String()),
		slog.String("name", ch.Name))
	return &ChannelOutput{Body: ChannelFromModel(ch)}, nil
}

// UpdateChannelInput is the input for updating a channel.
type UpdateChannelInput struct {
	ID   string `path:"id"`
	Body ChannelBody
}

// UpdateChannel replaces the writable fields of a channel.
func (h *ChannelHandler) UpdateChannel(ctx context.Context, input *UpdateChannelInput) (*ChannelOutput, error) {
	ch, err := h.find(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	input.Body.apply(ch)
	if err := ch.Validate(); err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	if err := h.repo.Update(ctx, ch); err != nil {
		return nil, h.storageError(ctx, "update", err)
	}
	return &ChannelOutput{Body: ChannelFromModel(ch)}, nil
}

// DeleteChannelOutput is empty; the status is 204.
type DeleteChannelOutput struct{}

// DeleteChannel removes a channel. Live sessions keep running until their grace period ends.
func (h *ChannelHandler) DeleteChannel(ctx context.Context, input *ChannelIDInput) (*DeleteChannelOutput, error) {
	ch, err := h.find(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.repo.Delete(ctx, ch.ID); err != nil {
		return nil, h.storageError(ctx, "delete", err)
	}
	return &DeleteChannelOutput{}, nil
}

// SetActiveInput is the input for toggling a channel.
type SetActiveInput struct {
	ID   string `path:"id"`
	Body struct {
		Active bool `json:"active"`
	}
}

// SetActive enables or disables a channel.
func (h *ChannelHandler) SetActive(ctx context.Context, input *SetActiveInput) (*ChannelOutput, error) {
	id, ok := parseID(input.ID)
	if !ok {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	found, err := h.repo.SetActive(ctx, id, input.Body.Active)
	if err != nil {
		return nil, h.storageError(ctx, "toggle", err)
	}
	if !found {
		return nil, huma.Error404NotFound("channel not found")
	}
	return h.GetChannel(ctx, &ChannelIDInput{ID: input.ID})
}

func (h *ChannelHandler) find(ctx context.Context, rawID string) (*models.Channel, error) {
	id, ok := parseID(rawID)
	if !ok {
		return nil, huma.Error400BadRequest("invalid channel id")
	}
	ch, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return nil, h.storageError(ctx, "get", err)
	}
	if ch == nil {
		return nil, huma.Error404NotFound("channel not found")
	}
	return ch, nil
}

func (h *ChannelHandler) storageError(ctx context.Context, op string, err error) error {
	var verr models.ErrValidation
	if errors.As(err, &verr) || errors.Is(err, models.ErrInvalidURL) || errors.Is(err, models.ErrNameRequired) ||
		errors.Is(err, models.ErrStreamURLRequired) || errors.Is(err, models.ErrInvalidFormat) {
		return huma.Error422UnprocessableEntity(err.Error())
	}
	h.logger.ErrorContext(ctx, "channel storage error",
		slog.String("operation", op),
		slog.String("error", err.Error()))
	return huma.Error500InternalServerError("failed to " + op + " channel")
}
