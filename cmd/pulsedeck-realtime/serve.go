package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/pulsedeck/realtime/pkg/bus"
	"github.com/pulsedeck/realtime/pkg/hub"
	"github.com/pulsedeck/realtime/pkg/jobstore"
	"github.com/pulsedeck/realtime/pkg/wire"
)

// ServeConfig is the yaml-file shape for the serve command. Flags override
// file values.
type ServeConfig struct {
	Addr       string            `yaml:"addr"`
	SQLitePath string            `yaml:"sqlite_path"`
	RoomIdle   time.Duration     `yaml:"room_idle"`
	Redis      bus.RedisSettings `yaml:"redis"`
}

func defaultServeConfig() ServeConfig {
	return ServeConfig{
		Addr:     ":8080",
		RoomIdle: 5 * time.Minute,
		Redis:    bus.DefaultRedisSettings(),
	}
}

func loadServeConfig(path string) (ServeConfig, error) {
	cfg := defaultServeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		sqlitePath string
		redisAddr  string
		redisOn    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("sqlite") {
				cfg.SQLitePath = sqlitePath
			}
			if cmd.Flags().Changed("redis") {
				cfg.Redis.Enabled = redisOn
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to yaml config")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "sqlite job store path (empty for in-memory)")
	cmd.Flags().BoolVar(&redisOn, "redis", false, "use redis streams for the event bus")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	return cmd
}

func runServe(ctx context.Context, cfg ServeConfig) error {
	router, err := bus.BuildRouter(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "build event router")
	}
	defer func() { _ = router.Close() }()

	if cfg.Redis.Enabled {
		for _, stream := range []string{wire.TopicJobs, wire.TopicAnalytics} {
			if err := bus.EnsureGroupAtTail(ctx, cfg.Redis.Addr, stream, cfg.Redis.Group); err != nil {
				log.Warn().Err(err).Str("stream", stream).Msg("ensure consumer group")
			}
		}
	}

	var store jobstore.Store
	if cfg.SQLitePath != "" {
		dsn, err := jobstore.SQLiteDSNForFile(cfg.SQLitePath)
		if err != nil {
			return err
		}
		store, err = jobstore.NewSQLiteStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open job store")
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite job store enabled")
	} else {
		store = jobstore.NewMemoryStore()
	}
	defer func() { _ = store.Close() }()

	h, err := hub.New(hub.Options{
		Bus:             router,
		Store:           store,
		RoomIdleTimeout: cfg.RoomIdle,
	})
	if err != nil {
		return errors.Wrap(err, "build hub")
	}

	srvCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h.StartSweeper(srvCtx, 30*time.Second)
	srv := hub.BuildHTTPServer(cfg.Addr, h)

	eg, egCtx := errgroup.WithContext(srvCtx)
	eg.Go(func() error { return router.Run(egCtx) })
	eg.Go(func() error { return hub.RunServer(egCtx, srv, h) })

	log.Info().Str("addr", cfg.Addr).Bool("redis", cfg.Redis.Enabled).Msg("pulsedeck realtime hub listening")
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("hub shut down")
	return nil
}
