package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/JRascall/MediaServer/pkg/apiserver"
	"github.com/JRascall/MediaServer/pkg/config"
	"github.com/JRascall/MediaServer/pkg/events"
	"github.com/JRascall/MediaServer/pkg/registry"
	"github.com/JRascall/MediaServer/pkg/relay"
	"github.com/JRascall/MediaServer/pkg/rtmpserver"
	"github.com/JRascall/MediaServer/pkg/storage"
	"github.com/JRascall/MediaServer/pkg/transmux"
)

func loadConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("mediaserver", flag.ContinueOnError)
	fs.IntVar(&cfg.RTMP.Port, "r", cfg.RTMP.Port, "rtmp port")
	fs.IntVar(&cfg.RTMP.Port, "rtmp_port", cfg.RTMP.Port, "rtmp port")
	fs.IntVar(&cfg.HTTP.Port, "h", cfg.HTTP.Port, "http port")
	fs.IntVar(&cfg.HTTP.Port, "http_port", cfg.HTTP.Port, "http port")
	fs.Var(&cfg.Relay, "relay", "app=rtmp://host/app pairs to push published streams to")
	fs.StringVar(&cfg.Log.Level, "log_level", cfg.Log.Level, "log level")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("server stopped")
		closeLog()
		os.Exit(1)
	}
	log.Info("bye")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	streamRegistry := registry.NewRegistry(registry.Options{
		GopCache:      cfg.RTMP.GopCache,
		GopCacheLimit: cfg.RTMP.GopCacheLimit,
	})
	bus := events.NewBus(log)
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		sink := events.NewRedisSink(client, cfg.Redis.Channel, log)
		bus.Subscribe(sink.Handle)
		g.Go(func() error { return sink.Run(ctx) })
	}

	relays := relay.NewManager(streamRegistry, cfg.Relay, log)
	relays.Attach(bus)
	defer relays.Close()

	if len(cfg.Transmux.Tasks) > 0 {
		var store storage.Uploader
		if cfg.Storage.Enabled() {
			bucket, err := storage.NewBucket(cfg.Storage, log)
			if err != nil {
				return err
			}
			if err := bucket.Ensure(ctx); err != nil {
				return err
			}
			if err := bucket.AbortUploads(ctx); err != nil {
				log.WithError(err).Warn("abort abandoned uploads")
			}
			store = bucket
		}
		transmuxer := transmux.NewServer(cfg.Transmux, cfg.Auth, cfg.RTMP.Port, store, log)
		if err := transmuxer.Check(); err != nil {
			log.WithError(err).Error("transmuxing disabled")
		} else {
			transmuxer.Attach(bus)
			g.Go(func() error { return transmuxer.Start(ctx) })
		}
	}

	rtmp := rtmpserver.NewMediaServer(rtmpserver.MediaServerConfig{
		RTMP: cfg.RTMP,
		Auth: cfg.Auth,
	}, streamRegistry, bus, log)
	g.Go(func() error { return rtmp.Start(ctx) })

	if cfg.HTTP.Port > 0 {
		web := apiserver.NewWebServer(cfg.HTTP, cfg.Auth, apiserver.Deps{
			Registry:    streamRegistry,
			Bus:         bus,
			Sessions:    rtmp,
			Relays:      relays,
			PlayerQueue: cfg.RTMP.PlayerQueue,
		}, log)
		g.Go(func() error { return web.Start(ctx) })
	}

	log.WithFields(logrus.Fields{"rtmp": cfg.RTMP.Port, "http": cfg.HTTP.Port}).Info("Starting...")
	return g.Wait()
}
