package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kanza-pay/kanza_pay/internal/config"
	"github.com/kanza-pay/kanza_pay/internal/gateway"
	"github.com/kanza-pay/kanza_pay/internal/ledger"
	"github.com/kanza-pay/kanza_pay/internal/middleware"
	"github.com/kanza-pay/kanza_pay/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Console access log; structured audit logging is mounted separately on
	// the mutation routes.
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	// Health
	RegisterHealthRoutes(app, d)

	// Services and handlers
	var walletStore ledger.WalletStore
	var txStore ledger.TransactionStore
	if d.DB != nil {
		walletStore = ledger.NewPostgresWalletStore(d.DB)
		txStore = ledger.NewPostgresTransactionStore(d.DB)
	} else {
		walletStore = ledger.NewMemoryWalletStore()
		txStore = ledger.NewMemoryTransactionStore()
	}

	notifier := notification.NewLoggerNotifier(d.Logger)
	ledgerSvc := ledger.NewService(walletStore, txStore, notifier, nil, d.Logger)
	ledgerHandler := ledger.NewHandler(ledgerSvc, d.Cfg.DefaultCurrency)

	gatewaySvc, err := gateway.NewService(ledgerSvc, gateway.StaticProvider{}, d.Cfg.WebhookSecret, d.Logger)
	if err != nil {
		return err
	}
	gatewayHandler := gateway.NewHandler(gatewaySvc)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		requestID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": requestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Gateway callbacks authenticate with an HMAC signature and dedupe on
	// the gateway transaction id, so the HTTP idempotency cache stays off
	// this route.
	RegisterGatewayWebhookRoute(api, gatewayHandler)

	mutations := api.Group("", middleware.Audit(d.Logger))
	if d.Cache != nil {
		mutations.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterWalletRoutes(mutations, ledgerHandler)
	RegisterGatewayRoutes(mutations, gatewayHandler)

	return nil
}
