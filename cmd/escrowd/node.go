package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Panmoni/yapbay-sub000/config"
	"github.com/Panmoni/yapbay-sub000/core/dispatch"
	"github.com/Panmoni/yapbay-sub000/core/events"
	"github.com/Panmoni/yapbay-sub000/core/state"
	"github.com/Panmoni/yapbay-sub000/native/escrow"
	"github.com/Panmoni/yapbay-sub000/observability"
	"github.com/Panmoni/yapbay-sub000/observability/logging"
	"github.com/Panmoni/yapbay-sub000/storage"
	"github.com/Panmoni/yapbay-sub000/storage/eventstore"
)

const serviceName = "escrowd"

// node bundles the ledger components opened from one config file.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        storage.Database
	manager   *state.Manager
	engine    *escrow.Engine
	log       *events.Log
	store     *eventstore.Store
	processor *dispatch.Processor
}

func openNode(ctx context.Context, cfgPath string, logOut io.Writer) (*node, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Output:     logOut,
		File:       cfg.ResolvePath(cfg.Logging.File),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	n := &node{cfg: cfg, logger: logger}
	if err := n.openState(); err != nil {
		n.close()
		return nil, err
	}
	if err := n.openEvents(ctx); err != nil {
		n.close()
		return nil, err
	}

	params, err := cfg.EngineParams()
	if err != nil {
		n.close()
		return nil, fmt.Errorf("engine params: %w", err)
	}
	engine, err := escrow.NewEngine(params)
	if err != nil {
		n.close()
		return nil, err
	}
	engine.SetState(n.manager)
	engine.SetEmitter(observability.CountingEmitter{Next: n.log})
	engine.SetPauses(cfg.PauseSet())
	n.engine = engine

	n.processor = dispatch.NewProcessor(engine,
		dispatch.WithLogger(logger),
		dispatch.WithRateLimit(dispatch.RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst}),
		dispatch.WithQuota(cfg.EscrowQuota()),
	)
	return n, nil
}

func (n *node) openState() error {
	switch n.cfg.Storage.Backend {
	case config.BackendMemory:
		n.db = storage.NewMemDB()
	case config.BackendBolt:
		path := n.cfg.ResolvePath("state.db")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		db, err := storage.NewBoltDB(path, nil)
		if err != nil {
			return fmt.Errorf("open bbolt: %w", err)
		}
		n.db = db
	default:
		path := n.cfg.ResolvePath("state")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		db, err := storage.NewLevelDB(path)
		if err != nil {
			return fmt.Errorf("open leveldb: %w", err)
		}
		n.db = db
	}
	n.manager = state.NewManager(n.db)
	return n.manager.EnsureStateVersion(false)
}

func (n *node) openEvents(ctx context.Context) error {
	opts := []events.LogOption{events.WithLogger(n.logger)}
	if path := n.cfg.ResolvePath(n.cfg.Events.SQLitePath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		store, err := eventstore.Open(path)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		n.store = store
		last, err := store.LastSequence(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, events.WithSink(store), events.WithStartSequence(last))
	}
	n.log = events.NewLog(n.cfg.Events.History, opts...)
	return nil
}

func (n *node) close() {
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("close event store", slog.Any("error", err))
		}
	}
	if n.db != nil {
		n.db.Close()
	}
}
