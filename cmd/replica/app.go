package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/offsite-dev/replica/internal/backend"
	_ "github.com/offsite-dev/replica/internal/backend/memkv"
	_ "github.com/offsite-dev/replica/internal/backend/sqlite"
	"github.com/offsite-dev/replica/internal/collection"
	"github.com/offsite-dev/replica/internal/config"
	"github.com/offsite-dev/replica/internal/query"
	"github.com/offsite-dev/replica/internal/registry"
	"github.com/offsite-dev/replica/internal/remote"
	"github.com/offsite-dev/replica/internal/signal"
	"github.com/offsite-dev/replica/internal/stream"
)

// app wires the full stack for one CLI invocation.
type app struct {
	cfg    *config.Config
	reg    *registry.Registry
	hub    *signal.Hub
	store  backend.Store
	client *remote.Client
	set    *collection.Set
	state  *stream.StateStore
	logger *log.Logger
}

// newApp builds the stack. needServer enforces server configuration for
// commands that talk to the network; purely local commands pass false.
func newApp(needServer bool, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagEngine != "" {
		cfg.Engine = flagEngine
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagTenant != "" {
		cfg.Tenant = flagTenant
	}
	if flagPrincipal != "" {
		cfg.Principal = flagPrincipal
	}

	if needServer {
		if err := cfg.ValidateForSync(); err != nil {
			return nil, err
		}
	}
	if cfg.Principal == "" {
		return nil, fmt.Errorf("principal is required (--principal or REPLICA_PRINCIPAL)")
	}

	if logOut == nil {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "[replica] ", log.LstdFlags)

	reg := registry.New()
	if cfg.RegistryOverlay != "" {
		added, err := reg.LoadOverlay(cfg.RegistryOverlay)
		if err != nil {
			return nil, err
		}
		logger.Printf("registered %d overlay stores from %s", added, cfg.RegistryOverlay)
	}

	hub := signal.NewHub()
	store, err := backend.Open(cfg.Engine, backend.Options{
		Registry:      reg,
		DataDir:       cfg.DataDir,
		SchemaVersion: cfg.SchemaVersion,
		Signals:       hub,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine: %w", err)
	}
	if _, err := store.Init(context.Background(), cfg.Principal); err != nil {
		logger.Printf("WARNING: storage initialization failed: %v", err)
	}

	var client *remote.Client
	var commander collection.Commander
	if cfg.ServerURL != "" {
		client, err = remote.New(cfg.ServerURL, remote.StaticToken(cfg.Token), nil, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		commander = client
	}

	return &app{
		cfg:    cfg,
		reg:    reg,
		hub:    hub,
		store:  store,
		client: client,
		set:    collection.NewSet(reg, store, commander, hub, logger),
		state:  stream.NewStateStore(store, cfg.Tenant, cfg.Principal),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("WARNING: failed to close storage: %v", err)
	}
}

// consumer builds a stream consumer from the loaded configuration.
func (a *app) consumer() *stream.Consumer {
	cfg := stream.DefaultConfig()
	if len(a.cfg.PriorityStores) > 0 {
		cfg.PriorityStores = a.cfg.PriorityStores
	}
	if a.cfg.SessionTimeoutSeconds > 0 {
		cfg.SessionTimeout = time.Duration(a.cfg.SessionTimeoutSeconds) * time.Second
	}
	if a.cfg.MinSyncIntervalSeconds > 0 {
		cfg.MinSyncInterval = time.Duration(a.cfg.MinSyncIntervalSeconds) * time.Second
	}
	return stream.NewConsumer(cfg, a.client, a.set, a.reg, a.store, a.state, a.logger)
}

// queryEngine builds the local query engine.
func (a *app) queryEngine() *query.Engine {
	return query.NewEngine(a.reg, a.store, a.logger)
}

// pushSubscriber builds the server-push subscriber.
func (a *app) pushSubscriber() *stream.Subscriber {
	return stream.NewSubscriber(a.cfg.PushURL, remote.StaticToken(a.cfg.Token), a.set, a.logger)
}
