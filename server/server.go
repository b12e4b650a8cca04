// Package server exposes the websocket transports and the admin API over
// one gin router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/logging"
	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/metrics"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

const adminKey = "admin"

// Transport is a websocket endpoint whose in-flight requests can be drained.
type Transport interface {
	http.Handler
	Drain(ctx context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	manager    *manager.Manager
	tokens     token.Decoder
	transports []Transport
	router     *gin.Engine
	http       *http.Server
	log        zerolog.Logger
}

// New builds the router. ws serves /ws and fast serves /ws/fast; either may
// be nil to leave the route out.
func New(cfg *config.AppConfig, m *manager.Manager, tokens token.Decoder, ws, fast Transport, log zerolog.Logger) *Server {
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:     cfg,
		manager: m,
		tokens:  tokens,
		log:     logging.Component(log, "server"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	if ws != nil {
		r.GET("/ws", gin.WrapH(ws))
		s.transports = append(s.transports, ws)
	}
	if fast != nil {
		r.GET("/ws/fast", gin.WrapH(fast))
		s.transports = append(s.transports, fast)
	}
	r.GET("/health", s.health)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	api := r.Group("/api/v1", traceRequests(), s.requireAdmin)
	api.GET("/statistics", s.statistics)
	api.POST("/manage", s.manage)

	s.router = r
	s.http = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeout),
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every session and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
	}
	for _, t := range s.transports {
		if err := t.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Server.Version,
	})
}
