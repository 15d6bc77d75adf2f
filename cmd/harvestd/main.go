// Command harvestd runs the harvesting daemon: an HTTP API in front of
// the repository registry and the redis-backed fetch scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/slon/harvest/config"
	"gitlab.com/slon/harvest/harvester"
	"gitlab.com/slon/harvest/scheduler"
	"gitlab.com/slon/harvest/server"

	_ "gitlab.com/slon/harvest/backend/gitlog"
	_ "gitlab.com/slon/harvest/backend/jsonapi"
)

type flags struct {
	configPath string
	redisAddr  string
	listenAddr string
	cacheDir   string
	debug      bool
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML config")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "redis address, overrides the config")
	fs.StringVar(&f.listenAddr, "listen", "", "HTTP listen address, overrides the config")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "item cache directory, overrides the config")
	fs.BoolVarP(&f.debug, "debug", "d", false, "enable debug logging")
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// флаги командной строки сильнее конфига
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
	}
	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if f.cacheDir != "" {
		cfg.CacheDir = f.cacheDir
	}
	if f.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config) error {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer conn.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := conn.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	h, err := harvester.New(ctx, conn, harvester.Options{
		BaseCachePath: cfg.CacheDir,
		Logger:        log,
		Scheduler: scheduler.Options{
			Workers:     cfg.Workers,
			UpdateDelay: cfg.UpdateDelay.Std(),
			MaxJobs:     cfg.RateLimit.MaxJobs,
			Interval:    cfg.RateLimit.Interval.Std(),
		},
	})
	if err != nil {
		return err
	}

	srv := server.New(h, server.Options{Logger: log})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Start(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.ListenAddr) })

	err = g.Wait()
	if ctx.Err() != nil {
		// остановились по сигналу, это не ошибка
		log.Info("stopped")
		return nil
	}
	return err
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "harvestd",
		Short:         "harvestd fetches items from software repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	f.register(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvestd:", err)
		os.Exit(1)
	}
}
