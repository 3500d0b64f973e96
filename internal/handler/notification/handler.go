package notification

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/realtime-hub/internal/handler"
	"github.com/jwalitptl/realtime-hub/internal/model"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
)

type Service interface {
	Dispatch(ctx context.Context, req *model.DispatchRequest) (*model.DispatchResult, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*model.NotificationDetail, error)
	MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error)
	Retry(ctx context.Context, entryID uuid.UUID) (*model.DeliveryLogEntry, error)
	Confirm(ctx context.Context, entryID uuid.UUID, c model.Confirmation) (*model.DeliveryLogEntry, error)
}

type StatsReporter interface {
	GetStats(ctx context.Context, window model.StatsWindow) (*model.DeliveryStats, error)
}

type Handler struct {
	service Service
	stats   StatsReporter
}

func NewHandler(service Service, stats StatsReporter) *Handler {
	return &Handler{service: service, stats: stats}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("", h.CreateNotification)
		notifications.GET("/:id", h.GetNotification)
		notifications.POST("/:id/read", h.MarkRead)
	}

	deliveries := r.Group("/deliveries")
	{
		deliveries.GET("/stats", h.GetStats)
		deliveries.POST("/:id/retry", h.RetryDelivery)
		deliveries.POST("/:id/confirm", h.ConfirmDelivery)
	}
}

func (h *Handler) CreateNotification(c *gin.Context) {
	var req model.CreateNotificationRequest
	if !handler.Bind(c, &req) {
		return
	}
	dispatch, err := req.ToDispatch()
	if err != nil {
		handler.Fail(c, appErrors.BadRequest("invalid request body", err))
		return
	}

	result, err := h.service.Dispatch(c.Request.Context(), dispatch)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.Created(c, result)
}

func (h *Handler) GetNotification(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	detail, err := h.service.GetNotification(c.Request.Context(), id)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.OK(c, detail)
}

func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	var req model.MarkReadRequest
	if !handler.Bind(c, &req) {
		return
	}
	n, err := h.service.MarkRead(c.Request.Context(), id, req.UserID)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.OK(c, n)
}

func (h *Handler) RetryDelivery(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	entry, err := h.service.Retry(c.Request.Context(), id)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.OK(c, entry)
}

func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	var req model.ConfirmRequest
	if !handler.Bind(c, &req) {
		return
	}
	entry, err := h.service.Confirm(c.Request.Context(), id, req.ToConfirmation())
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.OK(c, entry)
}

// GetStats accepts RFC 3339 from/to query bounds; both are optional.
func (h *Handler) GetStats(c *gin.Context) {
	var window model.StatsWindow
	for param, dst := range map[string]*time.Time{"from": &window.From, "to": &window.To} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			handler.Fail(c, appErrors.BadRequest("invalid "+param+" timestamp", err))
			return
		}
		*dst = t
	}

	st, err := h.stats.GetStats(c.Request.Context(), window)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	handler.OK(c, st)
}
