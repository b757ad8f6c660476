package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/api/http/health"
	"crmsync/internal/app/server/api/http/middleware"
	"crmsync/internal/app/server/api/http/middleware/auth"
	"crmsync/internal/app/server/api/http/middleware/logger"
	"crmsync/internal/app/server/api/http/middleware/ratelimit"
	syncAPI "crmsync/internal/app/server/api/http/sync"
	userAPI "crmsync/internal/app/server/api/http/user"
	"crmsync/internal/app/server/config"
	"crmsync/internal/domain/ledger"
	"crmsync/internal/domain/session"
	"crmsync/internal/domain/sync"
	"crmsync/internal/domain/user"
	"crmsync/internal/infrastructure/storage/postgres"
)

// Services are the domain services shared by the HTTP layer and the
// background processor.
type Services struct {
	Users    *user.Service
	Sessions *session.Service
	Sync     *sync.Service
	Outbox   *postgres.OutboxRepository
	Ledger   *postgres.LedgerRepository
}

func NewServices(storage *postgres.Storage, cfg *config.Config, log *slog.Logger) *Services {
	pool := storage.Pool()

	outboxRepo := postgres.NewOutboxRepository(pool, log)
	ledgerRepo := postgres.NewLedgerRepository(pool, log)

	return &Services{
		Users:    user.NewService(postgres.NewUserRepository(pool, log), user.NewCredentialPolicy(), log),
		Sessions: session.NewService(postgres.NewSessionRepository(pool, log), cfg.Session.TTL, log),
		Sync: sync.NewService(
			postgres.NewSyncRepository(pool, log),
			outboxRepo,
			ledgerRepo,
			ledger.NewRecorder(ledgerRepo, log),
			log,
			nil,
		),
		Outbox: outboxRepo,
		Ledger: ledgerRepo,
	}
}

// New builds the router with every operation registered through huma.
func New(storage *postgres.Storage, services *Services, cfg *config.Config, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)

	humaConfig := huma.DefaultConfig("CRM Sync API", "1.0.0")
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer"},
	}

	api := humachi.New(mux, humaConfig)

	authMW := auth.New(services.Sessions, log)
	loggerMW := logger.New(log, logger.DefaultSlowThreshold)
	limiter := ratelimit.PerMinute(cfg.Sync.PullRateLimit, log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	health.NewHandler(storage, log, middlewares.GetAllAndClear()).SetupRoutes(api)

	middlewares.Add(loggerMW.Middleware())
	userAPI.NewHandler(services.Users, services.Sessions, log, middlewares.GetAllAndClear()).SetupRoutes(api)

	middlewares.Add(loggerMW.Middleware(), authMW.Middleware())
	base := middlewares.GetAllAndClear()
	pull := middlewares.Add(limiter.Middleware()).GetAllAndClear()
	syncAPI.NewHandler(services.Sync, log, base, pull).SetupRoutes(api)

	return mux
}
