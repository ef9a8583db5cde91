package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/admin"
	"github.com/cory-johannsen/gtserver/internal/config"
	"github.com/cory-johannsen/gtserver/internal/event"
	"github.com/cory-johannsen/gtserver/internal/game/inventory"
	"github.com/cory-johannsen/gtserver/internal/gameserver"
	"github.com/cory-johannsen/gtserver/internal/observability"
	"github.com/cory-johannsen/gtserver/internal/scripting"
	"github.com/cory-johannsen/gtserver/internal/server"
	"github.com/cory-johannsen/gtserver/internal/storage"
	"github.com/cory-johannsen/gtserver/internal/storage/postgres"
	"github.com/cory-johannsen/gtserver/internal/transport"
	enetdriver "github.com/cory-johannsen/gtserver/internal/transport/enet"
)

// dbHealthTimeout bounds the database probe behind /healthz.
const dbHealthTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the game server instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger, err := observability.NewLogger(cfg.Logging, zap.String("server", cfg.Server.Name))
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("starting game server",
				zap.String("version", version),
				zap.Int("instances", len(cfg.Instances)),
			)

			a, err := boot(cmd.Context(), cfg, logger, enetdriver.NewDriver())
			if err != nil {
				logger.Error("startup failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
				return err
			}
			logger.Info("game server ready", zap.Duration("elapsed", time.Since(start)))

			return a.lifecycle.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/dev.yaml", "path to configuration file")
	return cmd
}

// app holds the booted components of a serving process.
type app struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	pool      *gameserver.Pool
	router    *event.Router
	items     *inventory.Catalog
	scripts   *scripting.Manager
	db        *postgres.Pool
	lifecycle *server.Lifecycle
}

// boot brings the process up to the point where every configured instance
// is serving.
//
// Only a transport subsystem failure or a failure to bind the first
// instance is fatal. The admin listeners, the database, the item catalog
// and event scripts degrade with a logged error.
//
// Postcondition: On success the returned app's lifecycle holds, in start
// order, the subsystem, storage, scripts, admin-http, health-grpc and
// instances services. On failure everything acquired is released.
func boot(ctx context.Context, cfg config.Config, logger *zap.Logger, driver transport.Driver) (*app, error) {
	a := &app{
		logger:    logger,
		registry:  prometheus.NewRegistry(),
		lifecycle: server.NewLifecycle(logger),
		items:     inventory.NewCatalog(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	var cleanup []func()
	release := func() {
		for n := len(cleanup) - 1; n >= 0; n-- {
			cleanup[n]()
		}
	}

	httpLis, grpcLis := a.listenAdmin(cfg.Admin)
	cleanup = append(cleanup, func() {
		if httpLis != nil {
			_ = httpLis.Close()
		}
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
	})

	stepStart := time.Now()
	if err := transport.InitSubsystem(driver); err != nil {
		release()
		return nil, fmt.Errorf("initializing transport subsystem: %w", err)
	}
	cleanup = append(cleanup, transport.TeardownSubsystem)
	logger.Info("transport subsystem initialized", zap.Duration("elapsed", time.Since(stepStart)))

	store := a.openStorage(ctx, cfg.Database)
	if a.db != nil {
		cleanup = append(cleanup, a.db.Close)
	}

	stepStart = time.Now()
	if err := a.items.Init(cfg.Content.ItemsDir); err != nil {
		logger.Error("loading item catalog", zap.String("dir", cfg.Content.ItemsDir), zap.Error(err))
	} else {
		logger.Info("item catalog loaded",
			zap.Int("items", a.items.Count()),
			zap.Duration("elapsed", time.Since(stepStart)),
		)
	}

	a.loadEvents(cfg.Content)
	cleanup = append(cleanup, a.scripts.Close)

	a.pool = gameserver.NewPool(
		gameserver.Components{Router: a.router, Storage: store, Items: a.items},
		gameserver.Options{PollTimeout: cfg.Transport.PollTimeout, Logger: logger, Metrics: a.metrics},
	)
	cleanup = append(cleanup, a.pool.StopAll)

	for n, ic := range cfg.Instances {
		stepStart = time.Now()
		inst, err := a.pool.StartInstance(bindConfig(ic, cfg.Transport))
		if err != nil {
			if n == 0 {
				release()
				return nil, fmt.Errorf("starting instance on %s: %w", ic.Addr(), err)
			}
			logger.Error("starting instance", zap.String("bind_addr", ic.Addr()), zap.Error(err))
			continue
		}
		logger.Info("instance started",
			zap.Uint8("instance", inst.InstanceID()),
			zap.String("bind_addr", ic.Addr()),
			zap.Int("max_sessions", ic.MaxSessions),
			zap.Duration("elapsed", time.Since(stepStart)),
		)
	}

	a.lifecycle.Add("subsystem", server.Resident(a.pool.TeardownSubsystem))
	if a.db != nil {
		a.lifecycle.Add("storage", server.Resident(a.db.Close))
	}
	a.lifecycle.Add("scripts", server.Resident(a.scripts.Close))
	if httpLis != nil {
		var dbHealth admin.HealthFunc
		if a.db != nil {
			dbHealth = func(ctx context.Context) error { return a.db.Health(ctx, dbHealthTimeout) }
		}
		hs := admin.NewHTTPServer(cfg.Admin.HTTPAddr(), a.pool, a.registry, dbHealth, logger)
		lis := httpLis
		a.lifecycle.Add("admin-http", &server.FuncService{
			StartFn: func() error { return hs.Serve(lis) },
			StopFn:  hs.Stop,
		})
	}
	if grpcLis != nil {
		gs := admin.NewHealthServer(cfg.Admin.GRPCAddr(), a.pool, cfg.Admin.HealthInterval, logger)
		lis := grpcLis
		a.lifecycle.Add("health-grpc", &server.FuncService{
			StartFn: func() error { return gs.Serve(lis) },
			StopFn:  gs.Stop,
		})
	}
	a.lifecycle.Add("instances", server.Resident(a.pool.StopAll))

	return a, nil
}

// listenAdmin opens the admin sockets ahead of the lifecycle so that a
// busy port is reported at startup without stopping the game server.
func (a *app) listenAdmin(cfg config.AdminConfig) (httpLis, grpcLis net.Listener) {
	if !cfg.Enabled {
		a.logger.Info("admin listeners disabled")
		return nil, nil
	}
	var err error
	if httpLis, err = net.Listen("tcp", cfg.HTTPAddr()); err != nil {
		a.logger.Error("admin HTTP listener unavailable", zap.String("addr", cfg.HTTPAddr()), zap.Error(err))
		httpLis = nil
	}
	if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr()); err != nil {
		a.logger.Error("gRPC health listener unavailable", zap.String("addr", cfg.GRPCAddr()), zap.Error(err))
		grpcLis = nil
	}
	return httpLis, grpcLis
}

// openStorage connects to the database when it is enabled and loads the
// session prerequisites. A failed connection falls back to
// storage.Unavailable; a failed prerequisite load keeps the repository.
func (a *app) openStorage(ctx context.Context, cfg config.DatabaseConfig) storage.Store {
	if !cfg.Enabled {
		a.logger.Info("database disabled")
		return storage.Unavailable{}
	}

	start := time.Now()
	db, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		a.logger.Error("connecting to database", zap.String("host", cfg.Host), zap.Error(err))
		return storage.Unavailable{}
	}
	a.db = db
	if err := db.RegisterMetrics(a.registry); err != nil {
		a.logger.Warn("database pool metrics unavailable", zap.Error(err))
	}

	repo := postgres.NewServerDataRepository(db.DB())
	data, err := repo.LoadSessionPrerequisites(ctx)
	if err != nil {
		a.logger.Error("loading session prerequisites", zap.Error(err))
		return repo
	}
	a.logger.Info("session prerequisites loaded",
		zap.Int64("user_identifier", data.UserIdentifier),
		zap.Duration("elapsed", time.Since(start)),
	)
	return repo
}

// loadEvents builds the router from the builtins and the event scripts.
// Handlers from files that loaded before a failing file are kept. When the
// scripts collide with a builtin the router falls back to the builtins.
func (a *app) loadEvents(cfg config.ContentConfig) {
	start := time.Now()
	a.scripts = scripting.NewManager(a.logger, cfg.ScriptInstructionLimit)

	var regs []event.Registration
	if cfg.EventsDir != "" {
		if err := a.scripts.LoadDir(cfg.EventsDir); err != nil {
			a.logger.Error("loading event scripts", zap.String("dir", cfg.EventsDir), zap.Error(err))
		}
		a.logger.Info("event scripts loaded",
			zap.Strings("files", a.scripts.Files()),
			zap.Int("handlers", a.scripts.HandlerCount()),
		)
		regs = append(regs, a.scripts.Registration())
	}

	router, err := event.LoadEvents(a.logger, a.metrics, regs...)
	if err != nil {
		a.logger.Error("registering script events; using builtins only", zap.Error(err))
		router, err = event.LoadEvents(a.logger, a.metrics)
		if err != nil {
			// The builtins never collide with each other.
			panic(fmt.Errorf("registering builtin events: %w", err))
		}
	}
	a.router = router

	counts := router.Counts()
	a.logger.Info("events registered",
		zap.Int("text events", counts[event.ClassText]),
		zap.Int("action events", counts[event.ClassAction]),
		zap.Int("game packet events", counts[event.ClassGamePacket]),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func bindConfig(ic config.InstanceConfig, tc config.TransportConfig) transport.BindConfig {
	return transport.BindConfig{
		Host:              ic.Host,
		Port:              ic.Port,
		MaxSessions:       ic.MaxSessions,
		ChannelLimit:      tc.ChannelLimit,
		IncomingBandwidth: tc.IncomingBandwidth,
		OutgoingBandwidth: tc.OutgoingBandwidth,
		Compress:          tc.Compress,
	}
}
