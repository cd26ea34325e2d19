package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/claimrules/audit"
	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/config"
	"github.com/liamcoop/claimrules/internal/database"
	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/internal/metrics"
	"github.com/liamcoop/claimrules/multitenantengine"
	"github.com/liamcoop/claimrules/rules"
)

// Dependencies are the collaborators the HTTP server is built from
type Dependencies struct {
	Manager *multitenantengine.Manager
	Claims  claims.Store
	Flags   audit.FlagStore
	Runs    audit.RunStore
	Runner  *audit.Runner
	Metrics *metrics.Collector
	// Ping reports database health; nil means always healthy
	Ping func(ctx context.Context) error
}

type Server struct {
	manager *multitenantengine.Manager
	claims  claims.Store
	flags   audit.FlagStore
	runs    audit.RunStore
	runner  *audit.Runner
	metrics *metrics.Collector
	ping    func(ctx context.Context) error
	router  *chi.Mux
}

func NewServer(deps Dependencies) *Server {
	s := &Server{
		manager: deps.Manager,
		claims:  deps.Claims,
		flags:   deps.Flags,
		runs:    deps.Runs,
		runner:  deps.Runner,
		metrics: deps.Metrics,
		ping:    deps.Ping,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Get("/", s.handleGetTenant)
			r.Put("/columns", s.handleUpdateColumns)
			r.Post("/reload", s.handleReloadTenant)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Get("/{ruleId}", s.handleGetRule)
				r.Put("/{ruleId}", s.handleUpdateRule)
				r.Delete("/{ruleId}", s.handleDeleteRule)
				r.Get("/{ruleId}/versions", s.handleRuleVersions)
				r.Post("/{ruleId}/activate", s.handleSetActive(true))
				r.Post("/{ruleId}/deactivate", s.handleSetActive(false))
			})

			r.Post("/claims", s.handleAddClaims)
			r.Get("/claims/{claimId}", s.handleGetClaim)
			r.Post("/blocked-ndc", s.handleBlockNDC)

			// Evaluation can run for the duration of several claim lookups
			r.With(middleware.Timeout(60*time.Second)).Post("/evaluate", s.handleEvaluate)

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleStartRun)
				r.Get("/", s.handleListRuns)
				r.Get("/{runId}", s.handleGetRun)
			})

			r.Route("/flags", func(r chi.Router) {
				r.Get("/", s.handleListFlags)
				r.Get("/{flagId}", s.handleGetFlag)
				r.Post("/{flagId}/review", s.handleReviewFlag)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// newEngineFactory builds Postgres-backed engines that share the claim store and metrics
func newEngineFactory(db *sql.DB, store claims.Store, collector *metrics.Collector, cfg *config.Config) multitenantengine.EngineFactory {
	return func(t *multitenantengine.Tenant) (*rules.Engine, error) {
		return rules.NewEngine(
			rules.NewPostgresRuleStore(db, t.ID),
			rules.WithTenant(t.ID),
			rules.WithLookup(store),
			rules.WithReferenceLists(store),
			rules.WithObserver(collector),
			rules.WithSlowThreshold(cfg.SlowEvaluation),
			rules.WithCache(rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.RuleCacheTTL})),
			rules.WithLogger(logger.Logger.With("tenant_id", t.ID)),
		)
	}
}

func migrateUp(cfg *config.Config) error {
	m, err := database.NewMigrator(cfg.DatabaseURL, cfg.MigrationsPath)
	if err != nil {
		return err
	}
	defer m.Close()

	applied, err := m.Up()
	if err != nil {
		return err
	}
	logger.Info("migrations checked", "applied", applied, "path", cfg.MigrationsPath)
	return nil
}

func main() {
	envFile := flag.String("env", ".env", "Optional .env file with settings")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", "error", err)
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetSampleRate(cfg.ErrorSampleRate)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.AutoMigrate {
		if err := migrateUp(cfg); err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
	}

	db, err := database.Open(startCtx, cfg.DatabaseURL, int(cfg.DBMaxConns))
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	pool, err := claims.NewPool(startCtx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to create claim pool", "error", err)
	}
	defer pool.Close()

	collector := metrics.NewCollector(cfg.MetricsNamespace)
	claimStore := claims.NewPostgresStore(pool)
	flags := audit.NewPostgresFlagStore(db)
	runs := audit.NewPostgresRunStore(db)

	manager := multitenantengine.NewManager(
		multitenantengine.NewPostgresTenantStore(db),
		newEngineFactory(db, claimStore, collector, cfg),
	)
	if err := manager.LoadAllTenants(startCtx); err != nil {
		logger.Fatal("failed to load tenants", "error", err)
	}
	logger.Info("tenants loaded", "tenants", manager.ListTenants())

	server := NewServer(Dependencies{
		Manager: manager,
		Claims:  claimStore,
		Flags:   flags,
		Runs:    runs,
		Runner: audit.NewRunner(claimStore, flags, runs,
			audit.WithWorkers(cfg.AuditWorkers),
			audit.WithRunObserver(collector)),
		Metrics: collector,
		Ping:    db.PingContext,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
