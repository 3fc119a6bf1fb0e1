package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kanza-pay/kanza_pay/internal/config"
	"github.com/kanza-pay/kanza_pay/internal/routes"
)

const requestTimeout = 30 * time.Second

// Server owns the Fiber application lifecycle. Route and dependency wiring
// lives in routes.Setup.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New builds the HTTP server and wires all routes.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	})

	deps := routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger}
	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg}, nil
}

// Listen blocks serving HTTP until the listener closes.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
