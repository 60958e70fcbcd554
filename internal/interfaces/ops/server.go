// Package ops exposes the operational HTTP surface: health, Prometheus
// metrics, and pprof. It is never reachable from the chat platform.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/authgate/pkg/logger"
)

// TaskCounter reports live background poll tasks for the health payload.
type TaskCounter interface {
	TaskCount() int
}

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	logger     logger.Logger
}

// NewServer builds the ops server on addr. The gatherer serves /metrics; tasks
// feeds /healthz.
func NewServer(addr string, gatherer prometheus.Gatherer, tasks TaskCounter, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"poll_tasks": tasks.TaskCount(),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	pprof.Register(engine)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithComponent("ops"),
	}
}

// Handler exposes the route tree for in-process testing.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "ops server shutdown was not clean", logger.Fields{"error": err.Error()})
		}
		return ctx.Err()
	}
}
