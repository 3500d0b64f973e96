package realtime

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/realtime-hub/internal/handler"
	"github.com/jwalitptl/realtime-hub/internal/model"
	"github.com/jwalitptl/realtime-hub/internal/realtime"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	appErrors "github.com/jwalitptl/realtime-hub/pkg/errors"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
)

type Registry interface {
	Serve(ctx context.Context, t realtime.Transport)
	Subscribers(channel string) []string
	Channels() []realtime.ChannelInfo
	ConnectionCount() int
}

type Handler struct {
	registry  Registry
	publisher realtime.Publisher
	upgrader  websocket.Upgrader
	clock     clock.Clock
	logger    *logger.Logger
}

// NewHandler serves the websocket endpoint and the publish API. An empty
// allowedOrigins accepts any origin.
func NewHandler(registry Registry, publisher realtime.Publisher, allowedOrigins []string, clk clock.Clock, log *logger.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		registry:  registry,
		publisher: publisher,
		clock:     clk,
		logger:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rt := r.Group("/realtime")
	{
		rt.POST("/publish", h.Publish)
		rt.GET("/channels", h.ListChannels)
		rt.GET("/channels/:name", h.GetChannel)
	}
}

// ServeWS upgrades the request and blocks until the connection ends.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("Websocket upgrade failed", "error", err.Error(), "client_ip", c.ClientIP())
		return
	}
	h.registry.Serve(c.Request.Context(), conn)
}

func (h *Handler) Publish(c *gin.Context) {
	var req model.PublishRequest
	if !handler.Bind(c, &req) {
		return
	}
	t := model.EnvelopeType(req.Type)
	if t.IsControl() {
		handler.Fail(c, appErrors.BadRequest("control envelope types cannot be published", nil))
		return
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	env, err := model.NewEnvelope(t, req.Channel, data, h.clock.Now())
	if err != nil {
		handler.Fail(c, appErrors.BadRequest("invalid envelope", err))
		return
	}
	if err := h.publisher.Publish(c.Request.Context(), req.Channel, env); err != nil {
		handler.Fail(c, appErrors.Unavailable("publish failed", err))
		return
	}
	handler.Accepted(c, env)
}

func (h *Handler) ListChannels(c *gin.Context) {
	handler.OK(c, gin.H{
		"connections": h.registry.ConnectionCount(),
		"channels":    h.registry.Channels(),
	})
}

func (h *Handler) GetChannel(c *gin.Context) {
	name := c.Param("name")
	if !model.ValidChannel(name) {
		handler.Fail(c, appErrors.BadRequest("invalid channel name", nil))
		return
	}
	handler.OK(c, realtime.ChannelInfo{Name: name, Subscribers: h.registry.Subscribers(name)})
}
