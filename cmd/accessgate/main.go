package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/accessgate/internal/app"
	"github.com/odyssey-erp/accessgate/internal/audit"
	audithttp "github.com/odyssey-erp/accessgate/internal/audit/http"
	"github.com/odyssey-erp/accessgate/internal/bootstrap"
	"github.com/odyssey-erp/accessgate/internal/gate"
	"github.com/odyssey-erp/accessgate/internal/ipguard"
	ipguardhttp "github.com/odyssey-erp/accessgate/internal/ipguard/http"
	"github.com/odyssey-erp/accessgate/internal/observability"
	"github.com/odyssey-erp/accessgate/internal/platform/cache"
	"github.com/odyssey-erp/accessgate/internal/platform/db"
	"github.com/odyssey-erp/accessgate/internal/ratelimit"
	"github.com/odyssey-erp/accessgate/internal/rbac"
	"github.com/odyssey-erp/accessgate/internal/roles"
	"github.com/odyssey-erp/accessgate/internal/schedule"
	"github.com/odyssey-erp/accessgate/internal/session"
	sessionhttp "github.com/odyssey-erp/accessgate/internal/session/http"
	"github.com/odyssey-erp/accessgate/internal/users"
	"github.com/odyssey-erp/accessgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("accessgate stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// stores holds the role and identity persistence chosen by configuration.
type stores struct {
	roles     roles.Repository
	accounts  users.Store
	blocklist []string
	pool      *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*stores, error) {
	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		return &stores{roles: roles.NewRepository(pool), accounts: users.NewRepository(pool), pool: pool}, nil
	}
	file, err := bootstrap.Load(cfg.BootstrapFile)
	if err != nil {
		return nil, err
	}
	logger.Warn("running on in-memory role store", slog.String("file", cfg.BootstrapFile),
		slog.Int("roles", len(file.Roles)), slog.Int("identities", len(file.Identities)))
	return &stores{
		roles:     roles.NewMemoryRepository(file.Roles...),
		accounts:  users.NewMemoryStore(file.Identities...),
		blocklist: file.Blocklist,
	}, nil
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	// Roles.
	graph := rbac.NewGraph()
	var identityCache *cache.Cache
	if redisClient != nil {
		identityCache = cache.NewCache(redisClient, cfg.IdentityCacheTTL)
	}
	roleService := roles.NewService(st.roles, graph, nil, logger.With(slog.String("component", "roles")))
	if identityCache != nil {
		roleService.WithNotifier(identityCache)
	}
	if err := roleService.Refresh(ctx); err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	userService := users.NewService(st.accounts, graph, identityCache, logger.With(slog.String("component", "users")))

	// Shared state.
	var (
		limiter       ratelimit.Limiter
		memoryLimiter *ratelimit.MemoryLimiter
		registry      session.Registry
		blockStore    ipguard.BlocklistStore
	)
	sessionOpts := session.Options{IdleTimeout: cfg.SessionIdleTimeout}
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, nil)
		registry = session.NewRedisRegistry(redisClient, sessionOpts)
		blockStore = ipguard.NewRedisBlocklistStore(redisClient)
	} else {
		memoryLimiter = ratelimit.NewMemoryLimiter(nil)
		limiter = memoryLimiter
		registry = session.NewMemoryRegistry(sessionOpts)
	}

	blocklist, err := ipguard.NewBlocklist(st.blocklist...)
	if err != nil {
		return err
	}
	var reputation ipguard.ReputationProvider
	if cfg.ReputationURL != "" {
		reputation = ipguard.NewHTTPReputationClient(cfg.ReputationURL, cfg.ReputationAPIKey)
	}
	guard := ipguard.NewGuard(blocklist, reputation, ipguard.Options{
		LookupTimeout: cfg.ReputationTimeout,
		FailOpen:      cfg.ReputationFailOpen,
		CacheTTL:      cfg.ReputationCacheTTL,
		Store:         blockStore,
		Observer:      metrics,
		Logger:        logger.With(slog.String("component", "ipguard")),
	})
	if err := guard.Load(ctx); err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}

	// Audit.
	sinks := audit.MultiSink{audit.NewLogSink(logger.With(slog.String("component", "audit")))}
	var auditService *audit.Service
	if st.pool != nil {
		auditService = audit.NewService(audit.NewPostgresRepository(st.pool))
		sinks = append(sinks, auditService)
	}
	auditSink := audit.NewAsyncSink(sinks, cfg.AuditBuffer, logger)
	metrics.RegisterDroppedEvents(func() uint64 { return uint64(auditSink.Dropped()) })

	policy := ratelimit.DefaultPolicy().WithOverrides(cfg.RateLimits)
	policy.Window = cfg.RateWindow

	accessGate, err := gate.New(gate.Config{
		IPGuard:  guard,
		Limiter:  limiter,
		Policy:   policy,
		Sessions: registry,
		Roles:    graph,
		Schedule: schedule.NewGuard(cfg.Location),
		Sink:     auditSink,
		Recorder: metrics,
		Logger:   logger.With(slog.String("component", "gate")),
	})
	if err != nil {
		return err
	}
	guardMiddleware := gate.NewMiddleware(accessGate, users.NewHeaderResolver(userService), logger)

	// Maintenance.
	local := &jobs.Maintenance{
		Verdicts:  guard,
		Blocklist: guard,
		Observer:  metrics,
		Logger:    logger.With(slog.String("component", "jobs")),
	}
	localTasks := []string{jobs.TaskVerdictPurge}
	var (
		worker    *jobs.Worker
		inspector *asynq.Inspector
		client    *jobs.Client
	)
	if redisClient != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		shared := &jobs.Maintenance{
			Sessions:  registry,
			Roles:     roleService,
			Broadcast: identityCache,
			Observer:  metrics,
			Logger:    local.Logger,
		}
		cron, err := jobs.Schedule(cfg.SweepSpec, cfg.RoleRefreshSpec)
		if err != nil {
			return err
		}
		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: redisOpts,
			Logger:    local.Logger,
			Location:  cfg.Location,
			Handlers:  shared.Handlers(),
			Cron:      cron,
		})
		if err != nil {
			return err
		}
		inspector = asynq.NewInspector(redisOpts)
		defer func() { _ = inspector.Close() }()
		client = jobs.NewClient(redisOpts)
		defer func() { _ = client.Close() }()

		// Every replica reloads its graph when any replica commits a change.
		err = identityCache.ListenForInvalidation(ctx, func(version int64) {
			if err := roleService.Refresh(ctx); err != nil {
				logger.Warn("refresh roles after bump", slog.Int64("version", version), slog.Any("error", err))
			}
		})
		if err != nil {
			return err
		}
		// Blocklist edits on any replica reach every other one; the local
		// reload task covers missed messages.
		if err := guard.Watch(ctx); err != nil {
			return err
		}
		localTasks = append(localTasks, jobs.TaskBlocklistReload)
	} else {
		local.Sessions = registry
		local.Limiter = memoryLimiter
		local.Roles = roleService
		localTasks = jobs.Tasks
	}
	var queue jobs.Enqueuer
	if client != nil {
		queue = client
	}

	readiness := map[string]app.ReadinessCheck{}
	if st.pool != nil {
		readiness["postgres"] = st.pool.Ping
	}
	if redisClient != nil {
		readiness["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var auditHandler *audithttp.Handler
	if auditService != nil {
		auditHandler = audithttp.NewHandler(logger, auditService)
	}
	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		Gate:             guardMiddleware,
		AuthorizeHandler: gate.NewHandler(accessGate, userService, logger),
		RolesHandler:     roles.NewHandler(logger, roleService, guardMiddleware.Require, gate.IdentityFromContext),
		UsersHandler:     users.NewHandler(logger, userService, guardMiddleware.Require, gate.IdentityFromContext),
		SessionHandler:   sessionhttp.NewHandler(logger, registry),
		BlocklistHandler: ipguardhttp.NewHandler(logger, guard),
		AuditHandler:     auditHandler,
		JobHandler:       jobs.NewHandler(inspector, queue, local, logger),
		Readiness:        readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("state_backend", cfg.StateBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		if err := auditSink.Close(shutdownCtx); err != nil {
			logger.Warn("flush security events", slog.Any("error", err))
		}
		return nil
	})
	g.Go(func() error {
		return local.RunEvery(gctx, cfg.MaintenanceTick, localTasks...)
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	return g.Wait()
}
