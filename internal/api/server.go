package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/logger"
)

// Server is the HTTP surface of serve mode.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	cfg    *ServerConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8090,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:               "querybench",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api-server").Logger(),
		cfg:    config,
	}
	app.Get("/health", s.healthHandler)
	app.Get("/api/v1/logs", s.logsHandler)
	return s
}

// App returns the underlying Fiber app for route registration and tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// MountMetrics serves a Prometheus handler at /metrics.
func (s *Server) MountMetrics(h http.Handler) {
	s.app.Get("/metrics", adaptor.HTTPHandler(h))
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("tls", s.cfg.TLSEnabled).
		Msg("Starting HTTP server")

	var err error
	if s.cfg.TLSEnabled {
		err = s.app.ListenTLS(s.Addr(), s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.app.Listen(s.Addr())
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

var startTime = time.Now()

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// logsHandler returns recent entries from the in-process log buffer.
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}
	filter := logger.Filter{
		Limit:     limit,
		Level:     c.Query("level"),
		Component: c.Query("component"),
		Since:     time.Duration(sinceMinutes) * time.Minute,
	}

	entries := logger.GetBuffer().Recent(filter)
	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"count":            len(entries),
		"limit":            limit,
		"level_filter":     filter.Level,
		"component_filter": filter.Component,
		"since_minutes":    sinceMinutes,
		"logs":             entries,
	})
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests only.
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if status < 400 {
			return err
		}
		event := logger.Warn()
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("ip", c.IP()).
			Msg("HTTP request error")
		return err
	}
}
