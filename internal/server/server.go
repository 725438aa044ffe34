package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"replydesk/internal/handler"
	"replydesk/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Handlers are the endpoint groups the server mounts.
type Handlers struct {
	Webhook handler.WebhookHandler
	API     handler.APIHandler
}

type Server struct {
	router  *gin.Engine
	http    *http.Server
	webhook handler.WebhookHandler
	logger  *zap.Logger
}

// NewServer builds the router. serviceSecret signs the internal API tokens.
func NewServer(addr string, handlers Handlers, serviceSecret []byte, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router:  router,
		webhook: handlers.Webhook,
		logger:  logger.Named("server"),
	}
	s.setupRoutes(handlers, serviceSecret)

	s.http = &http.Server{
		Addr:              normalizeAddr(addr),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(h Handlers, serviceSecret []byte) {
	s.router.GET("/health", h.API.Health)

	s.router.GET("/webhook", h.Webhook.Verify)
	s.router.POST("/webhook", h.Webhook.Receive)

	api := s.router.Group("/api/v1")
	api.Use(middleware.ServiceTokenAuth(serviceSecret, s.logger))
	{
		api.POST("/sync", h.API.RequestSync)
		api.POST("/contacts/:remoteId/clear-hrn", h.API.ClearHumanResponse)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("Server shutting down")
	err := s.http.Shutdown(shutdownCtx)
	// Acknowledged deliveries finish even when shutdown timed out.
	s.webhook.Wait()
	if err != nil {
		return err
	}
	return <-errCh
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// normalizeAddr accepts a bare port as well as host:port.
func normalizeAddr(addr string) string {
	if addr == "" {
		return ":8080"
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}
