// Package app is the composition root: manual dependency wiring, route
// registration, and lifecycle management.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"conservatory.io/cadenza/internal/analyzer"
	"conservatory.io/cadenza/internal/api/handlers"
	"conservatory.io/cadenza/internal/api/middleware"
	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/engine"
	"conservatory.io/cadenza/internal/governance/audit"
	"conservatory.io/cadenza/internal/governance/policy"
	"conservatory.io/cadenza/internal/pkg/worker"
	"conservatory.io/cadenza/internal/progress"
	"conservatory.io/cadenza/internal/repository"
)

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	Engine *engine.Engine
	Trail  *audit.Trail
	Broker *progress.Broker
	Pools  *worker.Pools

	pgPool *pgxpool.Pool
	redis  *redis.Client
}

// Bootstrap initializes all dependencies with manual DI. Development mode
// (no DATABASE_URL) runs fully in-process: memory audit store, memory
// counters, seeded conservatory fixtures, and built-in accounts.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	devMode := cfg.Database.URL == ""

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		CascadePoolSize: cfg.Worker.CascadePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	repo := repository.NewMemoryRepository()
	if devMode {
		repository.SeedConservatory(repo)
	}

	var (
		auditStore audit.Store
		pgPool     *pgxpool.Pool
	)
	if devMode {
		auditStore = audit.NewMemoryStore()
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			pools.Shutdown()
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns
		poolCfg.MinConns = cfg.Database.MinConns
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
		pgPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			pools.Shutdown()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		auditStore = audit.NewPostgresStore(pgPool)
	}
	trail := audit.NewTrail(auditStore, repository.NewCompensator(repo))

	var (
		redisClient *redis.Client
		counters    policy.CounterStore
		replay      policy.ReplayStore
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counters = policy.NewRedisCounterStore(redisClient)
		replay = policy.NewRedisReplayStore(redisClient)
	} else {
		counters = policy.NewMemoryCounterStore()
		replay = policy.NewMemoryReplayStore()
	}

	tokens, err := policy.NewTokenManager(cfg.TokenKey(), cfg.Security.TokenTTL, replay)
	if err != nil {
		closePools(pools, pgPool, redisClient)
		return nil, fmt.Errorf("init token manager: %w", err)
	}

	sessions := policy.NewSessionDirectory()
	pol := policy.NewEngine(cfg.Security, sessions, counters, tokens,
		policy.NewAnomalyDetector(cfg.Security.Anomaly), trail)

	cascade := analyzer.DefaultPolicy()
	if cfg.Analyzer.CascadePolicyFile != "" {
		cascade, err = analyzer.LoadPolicy(cfg.Analyzer.CascadePolicyFile)
		if err != nil {
			closePools(pools, pgPool, redisClient)
			return nil, fmt.Errorf("load cascade policy: %w", err)
		}
	}
	an := analyzer.New(repo, cascade, cfg.Analyzer)

	broker := progress.NewBroker(cfg.Progress.BufferSize)
	dispatcher := domain.NewEventDispatcher()
	closeStream := func(ctx context.Context, event *domain.DomainEvent) error {
		broker.Close(event.OperationID)
		return nil
	}
	dispatcher.Register(domain.EventDeletionCompleted, closeStream)
	dispatcher.Register(domain.EventDeletionFailed, closeStream)
	dispatcher.Register(domain.EventDeletionCancelled, closeStream)

	eng := engine.New(repo, an, pol, trail, broker, pools, dispatcher, cfg.Engine)

	accounts := handlers.NewAccountStore()
	if devMode {
		if err := seedAccounts(accounts); err != nil {
			closePools(pools, pgPool, redisClient)
			return nil, fmt.Errorf("seed accounts: %w", err)
		}
	}

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.SessionSecret),
		Issuer:     "cadenza",
		ExpiresIn:  cfg.Security.SessionTTL,
	}
	server := handlers.NewServer(handlers.ServerDeps{
		Analyzer: an,
		Engine:   eng,
		Policy:   pol,
		Trail:    trail,
		Accounts: accounts,
		JWTCfg:   jwtCfg,
	})

	return &Application{
		Config: cfg,
		Router: newRouter(server, progress.NewStreamHandler(broker), sessions, jwtCfg),
		Engine: eng,
		Trail:  trail,
		Broker: broker,
		Pools:  pools,
		pgPool: pgPool,
		redis:  redisClient,
	}, nil
}

// seedAccounts registers the development logins.
func seedAccounts(accounts *handlers.AccountStore) error {
	seed := []struct {
		id, username, name, role, password string
	}{
		{"admin-1", "admin", "Administrator", "admin", "cadenza-admin"},
		{"coord-1", "coordinator", "Coordinator", "coordinator", "cadenza-coordinator"},
		{"cond-1", "conductor", "Conductor", "conductor", "cadenza-conductor"},
		{"teach-1", "teacher", "Teacher", "teacher", "cadenza-teacher"},
	}
	for _, a := range seed {
		if err := accounts.AddAccount(a.id, a.username, a.name, a.role, a.password); err != nil {
			return err
		}
	}
	return nil
}

func closePools(pools *worker.Pools, pgPool *pgxpool.Pool, redisClient *redis.Client) {
	if pools != nil {
		pools.Shutdown()
	}
	if pgPool != nil {
		pgPool.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
}
