package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"melink/database"
	"melink/internal/admin"
	"melink/internal/catalog"
	"melink/internal/config"
	"melink/internal/journal"
	"melink/internal/mpio"
	"melink/internal/topology"
	"melink/internal/transport/tcp"

	"github.com/hashicorp/go-metrics"
)

// routerControl gives the admin API a no-argument Start that reinstalls
// the transport as sink and resolver.
type routerControl struct {
	*mpio.Router
	sink     mpio.ErrorSink
	resolver mpio.TopologyResolver
}

func (r routerControl) Start() {
	r.Router.Start(r.sink, r.resolver)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(
		"engine_name", cfg.EngineName,
		"bus", cfg.BusName,
	)
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalog.Catalog, error) {
	store := catalog.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := catalog.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = catalog.NewGormStore(db)
		logger.Info("catalog_store_postgres")
	} else {
		logger.Warn("catalog_store_memory",
			"reason", "DATABASE_URL not set",
		)
	}
	cat := catalog.New(store, logger)
	if err := cat.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if cfg.GeneratedEngineID {
		logger.Warn("engine_id_generated",
			"engine", cfg.EngineID.String(),
			"hint", "set ENGINE_ID to keep the id across restarts",
		)
	}

	// metrics: in-memory sink, dumped to stderr on SIGUSR1
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	mcfg := metrics.DefaultConfig("melink")
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, inm); err != nil {
		logger.Error("metrics_init_failed", "error", err.Error())
		os.Exit(1)
	}
	labels := []metrics.Label{{Name: "bus", Value: cfg.BusName}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("catalog_open_failed", "error", err.Error())
		os.Exit(1)
	}
	deliveries := catalog.NewDeliveryLog(logger, inm)
	cat.SetFallbackHandlers(deliveries, deliveries)

	// drop journal
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		logger.Error("journal_dir_failed", "error", err.Error())
		os.Exit(1)
	}
	db, err := database.Open(cfg.JournalPath, logger)
	if err != nil {
		logger.Error("journal_open_failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	drops := journal.New(db, journal.Options{Logger: logger, MetricSink: inm})
	drops.Start(ctx)
	go pruneJournal(ctx, drops, cfg.JournalRetention, logger)

	hub := admin.NewHub(logger)
	go hub.Run(ctx)

	router, err := mpio.New(mpio.Config{
		LocalEngine:               cfg.EngineID,
		LocalBus:                  cfg.BusName,
		Destinations:              cat,
		States:                    cat,
		TemporaryReceiver:         cfg.TempReceiverName,
		UnknownStreamWarnInterval: cfg.UnknownStreamWarnInterval,
		Logger:                    logger,
		MetricSink:                inm,
		MetricLabels:              labels,
		Drops:                     mpio.Observers{drops, hub},
	})
	if err != nil {
		logger.Error("router_init_failed", "error", err.Error())
		os.Exit(1)
	}

	// engine directory: redis when configured, otherwise gossip metadata
	var (
		directory tcp.Directory
		redisDir  *topology.RedisDirectory
	)
	if cfg.RedisURL != "" {
		redisDir, err = topology.NewRedisDirectory(cfg.RedisURL, cfg.RedisPassword, cfg.AdvertiseTTL)
		if err != nil {
			logger.Error("redis_directory_failed", "error", err.Error())
			os.Exit(1)
		}
		defer redisDir.Close()
		directory = redisDir
	}

	manager := tcp.NewManager(tcp.Options{
		Local:       cfg.EngineID,
		Bus:         cfg.BusName,
		Version:     cfg.ProtocolVersion,
		Auth:        tcp.NewAuthenticator(cfg.ClusterSecret),
		Receiver:    router,
		Listener:    router,
		DialTimeout: cfg.DialTimeout,
		FrameRate:   float64(cfg.FrameRateLimit),
		FrameBurst:  cfg.FrameRateLimit,
		Logger:      logger,
		MetricSink:  inm,
	})

	gossip, err := topology.NewGossip(topology.GossipConfig{
		Local:         cfg.EngineID,
		Name:          cfg.EngineName,
		Bus:           cfg.BusName,
		TransportAddr: cfg.TransportAdvertiseAddr(),
		BindAddr:      cfg.BindAddr,
		BindPort:      cfg.GossipPort,
		SecretKey:     []byte(cfg.ClusterSecret),
		Logger:        logger,
	}, manager)
	if err != nil {
		logger.Error("gossip_start_failed", "error", err.Error())
		os.Exit(1)
	}
	if directory == nil {
		directory = gossip
	}
	manager.SetDirectory(directory)

	control := routerControl{Router: router, sink: manager, resolver: manager}
	control.Start()

	transport := tcp.NewServer(cfg.TransportListenAddr(), manager)
	if err := transport.Listen(); err != nil {
		logger.Error("transport_listen_failed", "error", err.Error())
		os.Exit(1)
	}

	if redisDir != nil {
		rec := topology.EngineRecord{
			Engine: cfg.EngineID,
			Name:   cfg.EngineName,
			Bus:    cfg.BusName,
			Addr:   cfg.TransportAdvertiseAddr(),
		}
		go redisDir.KeepAdvertised(ctx, rec, func(err error) {
			logger.Warn("engine_advertise_failed", "error", err.Error())
		})
	}

	if len(cfg.GossipSeeds) > 0 {
		joined, err := gossip.Join(cfg.GossipSeeds)
		if err != nil {
			logger.Warn("gossip_join_failed",
				"seeds", cfg.GossipSeeds,
				"error", err.Error(),
			)
		} else {
			logger.Info("gossip_joined", "contacted", joined)
		}
	}

	auth, err := admin.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, cfg.AdminUser, cfg.AdminPass)
	if err != nil {
		logger.Error("admin_auth_failed", "error", err.Error())
		os.Exit(1)
	}
	api := admin.New(admin.Options{
		Bus:          cfg.BusName,
		Backend:      control,
		Auth:         auth,
		Drops:        drops,
		Destinations: cat,
		Hub:          hub,
		Logger:       logger,
	})

	logger.Info("engine_starting",
		"engine", cfg.EngineID.String(),
		"protocol_version", cfg.ProtocolVersion.String(),
		"transport_addr", cfg.TransportListenAddr(),
		"admin_addr", cfg.AdminListenAddr(),
		"gossip_addr", gossip.Addr(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		if err := transport.Serve(); err != nil {
			errChan <- fmt.Errorf("transport: %w", err)
		}
	}()
	go func() {
		if err := api.ListenAndServe(cfg.AdminListenAddr()); err != nil {
			errChan <- fmt.Errorf("admin api: %w", err)
		}
	}()

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("received_shutdown_signal")
	case err := <-errChan:
		logger.Error("server_error", "error", err.Error())
		exitCode = 1
	}

	shutdown(shutdownSteps{
		api:       api,
		router:    router,
		gossip:    gossip,
		transport: transport,
		redisDir:  redisDir,
		engine:    cfg.EngineID,
		journal:   drops,
		cancel:    cancel,
	}, logger)
	logger.Info("server_stopped_gracefully")
	os.Exit(exitCode)
}

type shutdownSteps struct {
	api       *admin.Server
	router    *mpio.Router
	gossip    *topology.Gossip
	transport *tcp.Server
	redisDir  *topology.RedisDirectory
	engine    mpio.EngineID
	journal   *journal.Journal
	cancel    context.CancelFunc
}

// shutdown stops intake first and flushes the journal last so drops caused
// by the shutdown itself are still recorded.
func shutdown(s shutdownSteps, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.api.Shutdown(ctx); err != nil {
		logger.Warn("admin_shutdown_failed", "error", err.Error())
	}
	s.router.Stop()
	if err := s.gossip.Leave(2 * time.Second); err != nil {
		logger.Warn("gossip_leave_failed", "error", err.Error())
	}
	if s.redisDir != nil {
		if err := s.redisDir.Withdraw(ctx, s.engine); err != nil {
			logger.Warn("engine_withdraw_failed", "error", err.Error())
		}
	}
	s.transport.Stop()
	if err := s.journal.Close(); err != nil && !errors.Is(err, journal.ErrClosed) {
		logger.Warn("journal_close_failed", "error", err.Error())
	}
	s.cancel()
}

// pruneJournal deletes journal rows older than retention once an hour.
func pruneJournal(ctx context.Context, j *journal.Journal, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("journal_prune_failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Info("journal_pruned",
					"rows", n,
					"retention", retention.String(),
				)
			}
		}
	}
}
