package main

import (
	"context"
	"errors"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/health"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/history"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

const (
	healthProbeTimeout = 5 * time.Second
	sessionRetention   = 2 * time.Hour
	cleanupInterval    = 10 * time.Minute
)

// app is the wired query router: backends, agents, history and the
// orchestrator that drives them.
type app struct {
	settings *config.Settings
	logger   observability.Logger

	bus      *commbus.InMemoryCommBus
	catalog  *backends.Catalog
	registry *backends.Registry
	history  *history.Manager
	orch     *runtime.Orchestrator
	monitor  *health.Monitor

	closers []func(context.Context) error
}

// newApp connects to everything settings names. Backends that cannot be
// reached are registered offline so the process still starts and health
// reports them.
func newApp(ctx context.Context, s *config.Settings, logger observability.Logger) (*app, error) {
	a := &app{settings: s, logger: logger}
	cfg := &s.Core

	if s.Telemetry.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(s.Telemetry.ServiceName, s.Telemetry.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracing_disabled", "error", err.Error())
		} else {
			a.closers = append(a.closers, shutdown)
		}
	}

	a.bus = commbus.NewInMemoryCommBus(30*time.Second, logger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))

	provider, err := llm.NewProvider(ctx, s.LLM)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(provider, s.LLM.Model, llm.WithLogger(logger))

	a.catalog, err = backends.LoadCatalog(s.SchemaFile, s.SQL.Driver)
	if err != nil {
		return nil, err
	}

	a.registry = backends.NewRegistry(
		a.newAgent(backends.BackendSQL, backends.NewLLMGenerator(client, backends.DialectSQL, cfg.GeneratorTimeout()), a.sqlExecutor(ctx)),
		a.newAgent(backends.BackendNoSQL, backends.NewLLMGenerator(client, backends.DialectMongo, cfg.GeneratorTimeout()), a.mongoExecutor(ctx)),
	)
	a.closers = append(a.closers, a.registry.Close)

	a.history = history.NewManager(a.historyStore(ctx), cfg.HistoryWindow, logger)
	a.closers = append(a.closers, func(context.Context) error { return a.history.Close() })

	vocab := agents.DefaultVocabulary()
	events := runtime.NewBusEventContext(a.bus)
	analyzer := agents.NewQueryAnalyzer(client, vocab, a.catalog, cfg, logger)
	analyzer.SetEventContext(events)
	decomposer := agents.NewQueryDecomposer(client, vocab, a.catalog, cfg, logger)
	decomposer.SetEventContext(events)
	engineer := agents.NewDataEngineerAgent(client, vocab, a.catalog, cfg, logger)
	engineer.SetEventContext(events)

	a.orch, err = runtime.NewOrchestrator(runtime.Dependencies{
		Analyzer:   analyzer,
		Decomposer: decomposer,
		Engineer:   engineer,
		Aggregator: agents.NewResultAggregator(cfg.RowCap, logger),
		Backends:   a.registry,
		Catalog:    a.catalog,
		Vocab:      vocab,
		History:    a.history,
		Bus:        a.bus,
		Config:     cfg,
		Logger:     logger,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.monitor = health.NewMonitor(a.registry, healthProbeTimeout, logger)
	if err := a.monitor.Register(a.bus); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) newAgent(name string, gen backends.Generator, exec backends.Executor) *backends.QueryAgent {
	cfg := &a.settings.Core
	schema, _ := a.catalog.Get(name)
	breaker := backends.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout(), a.logger)
	return backends.NewQueryAgent(name, gen, exec, schema, breaker, cfg, a.logger)
}

func (a *app) sqlExecutor(ctx context.Context) backends.Executor {
	db, err := backends.OpenSQL(ctx, a.settings.SQL)
	if err != nil {
		a.logger.Warn("backend_offline", "backend", backends.BackendSQL, "error", err.Error())
		return backends.NewOfflineExecutor(backends.BackendSQL, err)
	}
	return backends.NewSQLExecutor(db)
}

func (a *app) mongoExecutor(ctx context.Context) backends.Executor {
	client, err := backends.ConnectMongo(ctx, a.settings.Mongo)
	if err != nil {
		a.logger.Warn("backend_offline", "backend", backends.BackendNoSQL, "error", err.Error())
		return backends.NewOfflineExecutor(backends.BackendNoSQL, err)
	}
	return backends.NewMongoExecutor(client, a.settings.Mongo.Database)
}

// historyStore prefers Redis and falls back to process memory.
func (a *app) historyStore(ctx context.Context) history.Store {
	rs := a.settings.Redis
	if rs.URL != "" {
		store, err := history.NewRedisStore(ctx, rs.URL, rs.KeyPrefix, rs.TTL())
		if err == nil {
			return store
		}
		a.logger.Warn("history_store_fallback", "store", "memory", "error", err.Error())
	}
	store := history.NewMemoryStore(a.settings.Core.HistoryWindow)
	stop := store.StartCleanupLoop(cleanupInterval, sessionRetention, a.logger)
	a.closers = append(a.closers, func(context.Context) error { stop(); return nil })
	return store
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
