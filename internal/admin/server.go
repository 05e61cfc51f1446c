// Package admin serves the read-only HTTP surface of a relay or simulator
// process: liveness, readiness, a status snapshot and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/cvdrelay/internal/logging"
	"github.com/danmuck/cvdrelay/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Source reports the state of the process being served.
type Source interface {
	Ready() bool
	Snapshot() any
}

type Config struct {
	Node        string
	Addr        string
	Version     string
	CorsOrigins []string
}

type Server struct {
	cfg     Config
	src     Source
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, src Source) *Server {
	metrics.RegisterMetrics()
	if cfg.Version == "" {
		cfg.Version = "0.0.1"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe(cfg.Node, src, logging.Logger()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, src: src, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Node,
			"version": s.cfg.Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.src != nil && s.src.Ready()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Node,
			"version": s.cfg.Version,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		if s.src == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status source"})
			return
		}
		c.JSON(http.StatusOK, s.src.Snapshot())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on the configured address until ctx ends, then shuts the
// server down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Infof("admin.Server.Serve node=%s addr=%s", s.cfg.Node, ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
