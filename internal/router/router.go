package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/realtime-hub/internal/middleware"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Config struct {
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	MetricsPath      string
}

// Deps are the route owners. Nil entries are skipped.
type Deps struct {
	Notifications Handler
	Realtime      Handler
	// WebSocket serves the upgrade endpoint.
	WebSocket gin.HandlerFunc
	Health    interface{ RegisterRoutes(gin.IRoutes) }
	Metrics   gin.HandlerFunc
}

type Router struct {
	engine *gin.Engine
	config Config
	deps   Deps
}

func NewRouter(config Config, deps Deps, log *logger.Logger, m *metrics.Metrics) *Router {
	gin.SetMode(gin.ReleaseMode)
	middleware.RegisterValidators()

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Metrics(m),
		middleware.Recovery(log),
		middleware.ErrorHandler(log),
	)

	return &Router{engine: engine, config: config, deps: deps}
}

func (r *Router) Setup() {
	if r.deps.Health != nil {
		r.deps.Health.RegisterRoutes(r.engine)
	}
	if r.deps.Metrics != nil {
		path := r.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, r.deps.Metrics)
	}
	if r.deps.WebSocket != nil {
		r.engine.GET("/ws", r.deps.WebSocket)
	}

	api := r.engine.Group("/api/v1")
	if r.config.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
		})
		api.Use(limiter.RateLimit())
	}

	for _, h := range []Handler{r.deps.Notifications, r.deps.Realtime} {
		if h != nil {
			h.RegisterRoutes(api)
		}
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
