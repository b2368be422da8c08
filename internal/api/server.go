// Package api is the operator HTTP surface: device listing, exclusive
// control, device commands, template transfer and identification.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/metrics"
	"github.com/high-horse/fingerprint-fleet/internal/protocol"
	"github.com/high-horse/fingerprint-fleet/internal/store"
)

const DefaultAddr = ":9090"

const shutdownTimeout = 5 * time.Second

// Monitor reports which devices currently have a passive connection.
type Monitor interface {
	Connected(addr string) bool
}

// Deps are the collaborators the API drives. Threshold is used as given, so
// zero accepts any positive score.
type Deps struct {
	Fleet      *fleet.Fleet
	Controller *fleet.Controller
	Catalog    *store.Catalog
	Monitor    Monitor
	Events     *devlog.Memory
	Metrics    *metrics.Metrics
	Threshold  float64
	Log        *slog.Logger
	// AccessLog receives one line per request. Nil disables request logging.
	AccessLog io.Writer
}

type Server struct {
	app  *fiber.App
	deps Deps
	log  *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{deps: deps, log: deps.Log.With("component", "api")}

	// Params and bodies outlive the request: addresses end up in the lease
	// and the registry.
	s.app = fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(statusCode(err)).JSON(Response{Error: err.Error()})
		},
	})

	if deps.AccessLog != nil {
		s.app.Use(logger.New(logger.Config{Output: deps.AccessLog}))
	}
	s.app.Use(cors.New())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now(),
		})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))

	s.app.Get("/devices", s.listDevices)
	s.app.Post("/devices", s.addDevice)
	s.app.Get("/devices/:addr", s.getDevice)
	s.app.Post("/devices/:addr/manage", s.acquire)
	s.app.Delete("/devices/:addr/manage", s.release)
	s.app.Post("/devices/:addr/search", s.command(s.deps.Controller.Search))
	s.app.Post("/devices/:addr/list", s.command(s.deps.Controller.List))
	s.app.Post("/devices/:addr/empty", s.command(s.deps.Controller.Empty))
	s.app.Post("/devices/:addr/sync", s.sync)
	s.app.Post("/devices/:addr/templates/:id/enroll", s.modelCommand(s.deps.Controller.Enroll))
	s.app.Delete("/devices/:addr/templates/:id", s.modelCommand(s.deps.Controller.Delete))
	s.app.Post("/devices/:addr/templates/:id/upload", s.modelCommand(s.deps.Controller.Upload))
	s.app.Post("/devices/:addr/templates/:id/download", s.modelCommand(s.deps.Controller.Download))
	s.app.Post("/devices/:addr/templates/:id/enroll-upload", s.enrollAndUpload)

	s.app.Get("/events", s.events)

	s.app.Post("/match", s.match)
	s.app.Get("/catalog", s.listCatalog)
	s.app.Post("/catalog", s.enroll)
	s.app.Delete("/catalog/:id", s.removeEnrollment)
	s.app.Post("/identify", s.identify)
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("operator api starting", "addr", addr)
		errc <- s.app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("operator api %s: %w", addr, err)
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("operator api shutdown: %w", err)
	}
	s.log.Info("operator api stopped")
	return nil
}

// statusCode maps domain errors onto HTTP statuses.
func statusCode(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, fleet.ErrNotManaged), errors.Is(err, fleet.ErrAlreadyLeased):
		return fiber.StatusConflict
	case errors.Is(err, fleet.ErrUnknownDevice), errors.Is(err, store.ErrTemplateNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, fingerprint.ErrSizeMismatch), errors.Is(err, store.ErrEmptyTemplate):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrConnectTimeout), errors.Is(err, protocol.ErrProtocolTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrConnectRefused), errors.Is(err, protocol.ErrProtocol):
		return fiber.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
