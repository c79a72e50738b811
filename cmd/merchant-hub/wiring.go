package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/accounts"
	"github.com/scr53005/merchant-hub/config"
	"github.com/scr53005/merchant-hub/coordinator"
	"github.com/scr53005/merchant-hub/coordstore"
	"github.com/scr53005/merchant-hub/coordstore/memstore"
	"github.com/scr53005/merchant-hub/cursor"
	"github.com/scr53005/merchant-hub/detector"
	"github.com/scr53005/merchant-hub/heartbeat"
	"github.com/scr53005/merchant-hub/lease"
	"github.com/scr53005/merchant-hub/ledger"
	"github.com/scr53005/merchant-hub/metrics"
	"github.com/scr53005/merchant-hub/stream"
)

const connectTimeout = 10 * time.Second

// app holds everything a command needs. close releases store and database
// connections in reverse order of opening.
type app struct {
	cfg       config.Config
	keys      coordstore.Keys
	store     coordstore.Store
	leases    *lease.Manager
	heartbeat *heartbeat.Controller
	engine    *coordinator.Engine
	metrics   *metrics.Registry
	logger    *zap.Logger
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close_failed", zap.Error(err))
		}
	}
}

// openCoordination connects the store and builds the lease and heartbeat
// components, which is all the status command needs.
func openCoordination(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, keys: coordstore.Keys{Namespace: cfg.Store.Namespace}, logger: logger}
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("memory_store_in_use", zap.String("detail", "state is lost on exit and not shared between processes"))
		a.store = memstore.New()
	default:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		store, err := coordstore.NewRedisStore(connectCtx, coordstore.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	leases, err := lease.NewManager(a.store, a.keys)
	if err != nil {
		a.close()
		return nil, err
	}
	beats, err := heartbeat.NewController(a.store, a.keys, leases, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.leases = leases
	a.heartbeat = beats
	return a, nil
}

// openApp builds the full engine, including the ledger connection.
func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a, err := openCoordination(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := a.buildEngine(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func (a *app) buildEngine(ctx context.Context) (*coordinator.Engine, error) {
	cfg := a.cfg
	registry, err := accounts.LoadRegistry(cfg.Accounts.Path)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	db, err := ledger.Open(connectCtx, ledger.DSNConfig{
		Host:     cfg.Ledger.Host,
		Port:     cfg.Ledger.Port,
		User:     cfg.Ledger.User,
		Password: cfg.Ledger.Password,
		Database: cfg.Ledger.Database,
		Encrypt:  cfg.Ledger.Encrypt,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	source, err := ledger.NewHiveSQL(db, a.logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	return a.engineWith(registry, source)
}

// engineWith assembles the engine over any ledger source.
func (a *app) engineWith(registry accounts.Registry, source ledger.Source) (*coordinator.Engine, error) {
	cfg := a.cfg
	cursors, err := cursor.NewRegistry(a.store, a.keys)
	if err != nil {
		return nil, err
	}
	currencies := make([]detector.CurrencyConfig, 0, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		currencies = append(currencies, detector.CurrencyConfig{
			Symbol:      c.Symbol,
			Source:      merchanthub.SourceKind(c.Source),
			MessageType: c.MessageType,
			Contract:    c.Contract,
			Action:      c.Action,
		})
	}
	det, err := detector.New(detector.Config{
		Currencies:  currencies,
		PageSize:    cfg.Poll.PageSize,
		BlockWindow: cfg.Poll.BlockWindow,
	}, registry, cursors, source, source, a.logger.Named("detector"))
	if err != nil {
		return nil, err
	}
	streams, err := stream.New(a.store, a.keys, stream.Config{
		MaxLen:        cfg.Stream.MaxLen,
		IdleThreshold: cfg.Stream.IdleThreshold,
	}, a.logger.Named("stream"))
	if err != nil {
		return nil, err
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	return coordinator.NewEngine(coordinator.Deps{
		Leases:    a.leases,
		Heartbeat: a.heartbeat,
		Detector:  det,
		Streams:   streams,
		Accounts:  registry,
		Metrics:   a.metrics,
		Logger:    a.logger.Named("engine"),
	}, coordinator.Config{
		LeaseTTL:         cfg.Lease.TTL,
		HeartbeatTimeout: cfg.Poll.HeartbeatTimeout,
		CycleTimeout:     cfg.Poll.CycleTimeout,
		Group:            cfg.Stream.Group,
	})
}
