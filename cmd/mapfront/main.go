package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lifemapper/mapfront/internal/aggregate"
	"github.com/lifemapper/mapfront/internal/broker"
	"github.com/lifemapper/mapfront/internal/cache/redisstore"
	"github.com/lifemapper/mapfront/internal/core/config"
	"github.com/lifemapper/mapfront/internal/core/health"
	"github.com/lifemapper/mapfront/internal/core/httpclient"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/core/router"
	"github.com/lifemapper/mapfront/internal/core/server"
	"github.com/lifemapper/mapfront/internal/logger"
	h3mapper "github.com/lifemapper/mapfront/internal/mapper/h3"
	"github.com/lifemapper/mapfront/internal/messaging"
	"github.com/lifemapper/mapfront/internal/metrics"
	"github.com/lifemapper/mapfront/internal/prefevents"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
	"github.com/lifemapper/mapfront/internal/view"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "mapfront",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(mp.Registerer(), true)

	instance := uuid.NewString()
	appLog.Info("starting mapfront",
		"addr", cfg.Addr,
		"version", Version,
		"broker", cfg.BrokerURL,
		"redis", cfg.Redis.Enabled,
		"pref_events", cfg.PrefEvents.Enabled,
		"instance", instance)

	ready := map[string]health.Pinger{}

	var backend prefs.Backend = prefs.NewMemory(cfg.PrefsLRUSize)
	if cfg.Redis.Enabled {
		rc, err := redisstore.New(ctx, cfg.Redis.Addr,
			redisstore.WithPoolSize(cfg.Redis.PoolSize),
			redisstore.WithDialTimeout(cfg.Redis.DialTimeout),
			redisstore.WithReadTimeout(cfg.Redis.OpTimeout),
			redisstore.WithWriteTimeout(cfg.Redis.OpTimeout))
		if err != nil {
			appLog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		backend = prefs.NewLayered(prefs.NewMemory(cfg.PrefsLRUSize), prefs.NewRedis(rc))
		ready["redis"] = rc
	}

	storeOpts := []prefs.Option{prefs.WithTimeout(cfg.Redis.OpTimeout), prefs.WithLogger(appLog)}
	if cfg.PrefEvents.Enabled {
		pub, err := prefevents.NewPublisher(strings.Split(cfg.PrefEvents.Brokers, ","), cfg.PrefEvents.Topic,
			cfg.PrefEvents.QueueSize, appLog, prefevents.WithSource(instance))
		if err != nil {
			appLog.Error("failed to start preference events", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		storeOpts = append(storeOpts, prefs.WithPublisher(pub))
	}
	store := prefs.New(backend, storeOpts...)

	hc := httpclient.NewOutbound(cfg.UpstreamTimeout)
	bc := broker.New(broker.Config{
		BaseURL:       cfg.BrokerURL,
		OccProviders:  cfg.OccProviders,
		NameProviders: cfg.NameProviders,
	}, hc, appLog)

	// adapter order is display order
	agg := aggregate.New([]source.Source{
		source.NewProjection(bc, source.ProjectionConfig{
			Scenario:  cfg.ProjectionScenario,
			MaxLayers: cfg.MaxProjectionLayers,
		}, appLog),
		source.NewIDigBio(cfg.IDigBioURL, hc, appLog),
		source.NewGBIF(cfg.GBIFTileURL, appLog),
	}, store, appLog)

	m := h3mapper.New()
	factory := view.Factory{
		Aggregator:     agg,
		Prefs:          store,
		Mapper:         m,
		Broker:         bc,
		Version:        cfg.ProtocolVersion,
		ResolveTimeout: cfg.HandshakeTimeout,
		ClusterRes:     cfg.ClusterRes,
		MaxClusters:    cfg.MaxClusters,
		Log:            appLog,
	}
	hub := messaging.NewHub(
		messaging.WithAllowedOrigins(cfg.AllowedOrigins...),
		messaging.WithPeerFactory(factory.Attach),
		messaging.WithLogger(appLog),
	)

	deps := server.Deps{
		API: router.API{
			Overlays:   agg,
			Broker:     bc,
			Prefs:      store,
			Mapper:     m,
			ClusterRes: cfg.ClusterRes,
			Log:        appLog,
		},
		Hub:     hub,
		Ready:   ready,
		Metrics: mp.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, cfg, appLog, deps) })
	g.Go(func() error { return mp.Serve(gctx) })
	if cfg.PrefEvents.Enabled && cfg.Redis.Enabled {
		c := prefevents.NewConsumer(prefevents.ConsumerConfig{
			Brokers: strings.Split(cfg.PrefEvents.Brokers, ","),
			Topic:   cfg.PrefEvents.Topic,
			GroupID: cfg.PrefEvents.GroupID,
			Source:  instance,
		}, store, appLog)
		g.Go(func() error { return c.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
