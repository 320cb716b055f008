package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

var validate = validator.New()

// NotificationService is the orchestrator surface the HTTP layer depends on.
type NotificationService interface {
	SendNotification(ctx context.Context, req *domain.NotificationRequest) (*domain.NotificationResult, error)
	SendToGroup(ctx context.Context, groupID string, req *domain.NotificationRequest) (*domain.GroupResult, error)
	ScheduleDigest(ctx context.Context, period string, req *domain.NotificationRequest) (*domain.NotificationResult, error)
}

// AuditStore serves delivery history reads.
type AuditStore interface {
	GetByRequestID(ctx context.Context, requestID string) (*domain.AuditRecord, error)
	List(ctx context.Context, params repository.AuditListParams) ([]domain.AuditRecord, int64, error)
}

// DeadLetterStore serves the operator view of exhausted deliveries.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeliveryJob, error)
}

type NotificationHandler struct {
	service     NotificationService
	audits      AuditStore
	deadLetters DeadLetterStore
}

func NewNotificationHandler(service NotificationService, audits AuditStore, deadLetters DeadLetterStore) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if audits == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter store is required")
	}
	return &NotificationHandler{service: service, audits: audits, deadLetters: deadLetters}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService, audits AuditStore, deadLetters DeadLetterStore) error {
	h, err := NewNotificationHandler(service, audits, deadLetters)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SendNotification)
	v1.Post("/groups/:groupId/notifications", h.SendToGroup)
	v1.Post("/digests/:period", h.ScheduleDigest)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/dead-letters", h.ListDeadLetters)

	return nil
}

type sendNotificationRequest struct {
	CorrelationID string            `json:"correlationId"`
	Recipients    []string          `json:"recipients"`
	GroupID       string            `json:"groupId"`
	Channels      []string          `json:"channels" validate:"omitempty,dive,oneof=EMAIL SMS PUSH INAPP"`
	TemplateName  string            `json:"templateName" validate:"required"`
	Data          map[string]string `json:"data"`
	Category      string            `json:"category"`
	Priority      string            `json:"priority" validate:"omitempty,oneof=URGENT NORMAL LOW"`
	Language      string            `json:"language"`
	ScheduledAt   *time.Time        `json:"scheduledAt"`
	ExpiresAt     *time.Time        `json:"expiresAt"`
}

type channelOutcomeResponse struct {
	Success           bool   `json:"success"`
	Deferred          bool   `json:"deferred"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

type notificationResultResponse struct {
	RequestID string                            `json:"requestId"`
	Status    string                            `json:"status"`
	Reason    string                            `json:"reason,omitempty"`
	Channels  map[string]channelOutcomeResponse `json:"channels"`
}

type groupResultResponse struct {
	GroupID      string                 `json:"groupId"`
	Status       string                 `json:"status"`
	TotalCount   int                    `json:"totalCount"`
	SuccessCount int                    `json:"successCount"`
	FailureCount int                    `json:"failureCount"`
	Members      []memberResultResponse `json:"members"`
}

type memberResultResponse struct {
	RecipientID string                      `json:"recipientId"`
	Error       string                      `json:"error,omitempty"`
	Result      *notificationResultResponse `json:"result,omitempty"`
}

type auditRecordResponse struct {
	RequestID     string                            `json:"requestId"`
	CorrelationID string                            `json:"correlationId,omitempty"`
	GroupID       string                            `json:"groupId,omitempty"`
	Recipients    []string                          `json:"recipients"`
	TemplateName  string                            `json:"templateName"`
	Category      string                            `json:"category"`
	Priority      string                            `json:"priority"`
	Status        string                            `json:"status"`
	Reason        string                            `json:"reason,omitempty"`
	Channels      map[string]channelOutcomeResponse `json:"channels"`
	CreatedAt     time.Time                         `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []auditRecordResponse `json:"data"`
	Meta listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type deadLetterResponse struct {
	JobID         string    `json:"jobId"`
	RequestID     string    `json:"requestId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Channel       string    `json:"channel"`
	RecipientID   string    `json:"recipientId"`
	Category      string    `json:"category,omitempty"`
	Priority      string    `json:"priority"`
	AttemptCount  int       `json:"attemptCount"`
	LastError     string    `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
}

func (h *NotificationHandler) SendNotification(c *fiber.Ctx) error {
	req, err := parseSendRequest(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.SendNotification(c.Context(), req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toResultResponse(result))
}

func (h *NotificationHandler) SendToGroup(c *fiber.Ctx) error {
	groupID := strings.TrimSpace(c.Params("groupId"))
	req, err := parseSendRequest(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.SendToGroup(c.Context(), groupID, req)
	if err != nil {
		return toHTTPError(err)
	}

	members := make([]memberResultResponse, 0, len(result.Members))
	for _, member := range result.Members {
		item := memberResultResponse{
			RecipientID: member.RecipientID,
			Error:       member.Error,
		}
		if member.Result != nil {
			r := toResultResponse(member.Result)
			item.Result = &r
		}
		members = append(members, item)
	}

	return c.Status(fiber.StatusAccepted).JSON(groupResultResponse{
		GroupID:      result.GroupID,
		Status:       result.Status.String(),
		TotalCount:   result.TotalCount,
		SuccessCount: result.SuccessCount,
		FailureCount: result.FailureCount,
		Members:      members,
	})
}

func (h *NotificationHandler) ScheduleDigest(c *fiber.Ctx) error {
	period := strings.TrimSpace(c.Params("period"))
	req, err := parseSendRequest(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.ScheduleDigest(c.Context(), period, req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toResultResponse(result))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.audits.GetByRequestID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAuditResponse(record))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.audits.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]auditRecordResponse, 0, len(records))
	for i := range records {
		data = append(data, toAuditResponse(&records[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

// ListDeadLetters exposes exhausted deliveries for operator inspection.
func (h *NotificationHandler) ListDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit < 1 || limit > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	jobs, err := h.deadLetters.ListDeadLetters(c.Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(jobs))
	for i := range jobs {
		data = append(data, toDeadLetterResponse(&jobs[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{Data: data})
}

func parseSendRequest(c *fiber.Ctx) (*domain.NotificationRequest, error) {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	channels := make([]domain.Channel, 0, len(req.Channels))
	for _, raw := range req.Channels {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(req.Priority) != "" {
		parsed, err := domain.ParsePriorityFromString(req.Priority)
		if err != nil {
			return nil, err
		}
		priority = parsed
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = requestCorrelationID(c)
	}

	return &domain.NotificationRequest{
		CorrelationID: correlationID,
		Recipients:    req.Recipients,
		GroupID:       strings.TrimSpace(req.GroupID),
		Channels:      channels,
		TemplateName:  strings.TrimSpace(req.TemplateName),
		Data:          req.Data,
		Category:      strings.TrimSpace(req.Category),
		Priority:      priority,
		Language:      strings.TrimSpace(req.Language),
		ScheduledAt:   req.ScheduledAt,
		ExpiresAt:     req.ExpiresAt,
	}, nil
}

func parseListParams(c *fiber.Ctx) (repository.AuditListParams, error) {
	params := repository.AuditListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.AuditListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.AuditListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status := domain.ResultStatus(strings.ToUpper(rawStatus))
		if !status.IsValid() {
			return repository.AuditListParams{}, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, rawStatus)
		}
		params.Status = &status
	}

	if groupID := strings.TrimSpace(c.Query("groupId")); groupID != "" {
		params.GroupID = &groupID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.AuditListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.AuditListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toChannelOutcomes(outcomes map[domain.Channel]domain.ChannelOutcome) map[string]channelOutcomeResponse {
	channels := make(map[string]channelOutcomeResponse, len(outcomes))
	for channel, outcome := range outcomes {
		channels[strings.ToLower(channel.String())] = channelOutcomeResponse{
			Success:           outcome.Success,
			Deferred:          outcome.Deferred,
			ProviderMessageID: outcome.ProviderMessageID,
			Error:             outcome.Error,
		}
	}
	return channels
}

func toResultResponse(result *domain.NotificationResult) notificationResultResponse {
	if result == nil {
		return notificationResultResponse{}
	}
	return notificationResultResponse{
		RequestID: result.RequestID,
		Status:    result.Status.String(),
		Reason:    result.Reason,
		Channels:  toChannelOutcomes(result.Channels),
	}
}

func toAuditResponse(record *domain.AuditRecord) auditRecordResponse {
	if record == nil {
		return auditRecordResponse{}
	}
	return auditRecordResponse{
		RequestID:     record.RequestID,
		CorrelationID: record.CorrelationID,
		GroupID:       record.GroupID,
		Recipients:    record.Recipients,
		TemplateName:  record.TemplateName,
		Category:      record.Category,
		Priority:      record.Priority.String(),
		Status:        record.Status.String(),
		Reason:        record.Reason,
		Channels:      toChannelOutcomes(record.Channels),
		CreatedAt:     record.CreatedAt,
	}
}

func toDeadLetterResponse(job *domain.DeliveryJob) deadLetterResponse {
	if job == nil {
		return deadLetterResponse{}
	}
	return deadLetterResponse{
		JobID:         job.ID,
		RequestID:     job.RequestID,
		CorrelationID: job.CorrelationID,
		Channel:       strings.ToLower(job.Channel.String()),
		RecipientID:   job.RecipientID,
		Category:      job.Category,
		Priority:      job.Priority.String(),
		AttemptCount:  job.AttemptCount,
		LastError:     job.LastError,
		UpdatedAt:     job.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTemplateNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	default:
		return err
	}
}
