package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/api/middleware"
	"github.com/Whoisraeen/raeen-core/internal/api/ws"
	"github.com/Whoisraeen/raeen-core/internal/config"
	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// Server composes the introspection surface over a booted kernel: the
// REST snapshot endpoints, the Prometheus registry, and the WebSocket
// service sessions.
type Server struct {
	cfg      *config.Config
	kernel   *kernel.Kernel
	registry *contracts.Registry
	log      *logging.Logger
	router   *gin.Engine
}

// NewServer wires middleware and routes. The kernel must already be
// started; the server never boots or stops it.
func NewServer(cfg *config.Config, k *kernel.Kernel, registry *contracts.Registry, log *logging.Logger, metrics *monitoring.Metrics) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(log.Named("http")))
	if metrics != nil {
		router.Use(metrics.Middleware())
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		log.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := NewHandlers(k, registry)
	wsHandler := ws.NewHandler(k, registry, log, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/processes", handlers.Processes)
		v1.GET("/scheduler", handlers.Scheduler)
		v1.GET("/channels", handlers.Channels)
		v1.GET("/grants", handlers.Grants)
		v1.GET("/audit", handlers.Audit)
		v1.GET("/slo", handlers.SLOReport)
		v1.GET("/memory", handlers.Memory)
		v1.GET("/flight", handlers.Flight)
		v1.GET("/flight/dump", handlers.FlightDump)
		v1.GET("/stats", handlers.Stats)
		v1.GET("/contracts", handlers.Contracts)
	}

	router.GET("/ws/service", wsHandler.HandleConnection)

	return &Server{
		cfg:      cfg,
		kernel:   k,
		registry: registry,
		log:      log,
		router:   router,
	}
}

// Router exposes the handler tree for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the listener fails.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.log.Info("introspection api listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close flushes buffered log output.
func (s *Server) Close() error {
	return s.log.Sync()
}
