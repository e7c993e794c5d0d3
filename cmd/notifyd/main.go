// Command notifyd runs the notify client daemon: subscriptions, messages and multi-device
// sync behind a local HTTP API, with a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/goph-notify/internal/client"
	"github.com/and161185/goph-notify/internal/config"
	"github.com/and161185/goph-notify/internal/crypto/clientcrypto"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/limiter"
	"github.com/and161185/goph-notify/internal/migrate"
	"github.com/and161185/goph-notify/internal/protocol"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/and161185/goph-notify/internal/repository/memory"
	"github.com/and161185/goph-notify/internal/repository/mongodb"
	"github.com/and161185/goph-notify/internal/repository/postgres"
	"github.com/and161185/goph-notify/internal/scheduler"
	grpcserver "github.com/and161185/goph-notify/internal/server/grpc"
	"github.com/and161185/goph-notify/internal/server/httpapi"
	"github.com/and161185/goph-notify/internal/syncer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// backend is the storage chosen by configuration.
type backend struct {
	kv       repository.KV
	failures limiter.Limiter
	probe    grpcserver.Probe
	close    func()
}

func main() {
	// Flags
	cfgPath := flag.String("config", "", "path to YAML config")
	httpAddr := flag.String("http-addr", "", "override http.addr")
	relayURL := flag.String("relay-url", "", "override relay.url")
	dev := flag.Bool("dev", false, "development logging and gRPC reflection")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}
	if *dev {
		cfg.Log.Development = true
		cfg.GRPC.Reflection = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log.Development)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("sync", cfg.Sync.Driver),
	)

	passphrase := os.Getenv(cfg.Keystore.PassphraseEnv)
	if passphrase == "" {
		logger.Fatal("missing keystore passphrase", zap.String("env", cfg.Keystore.PassphraseEnv))
	}
	var apiKey []byte
	if cfg.HTTP.JWTKeyEnv != "" {
		if v := os.Getenv(cfg.HTTP.JWTKeyEnv); v != "" {
			apiKey = []byte(v)
		}
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer store.close()

	syncStore, closeSync, err := openSync(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open sync store", zap.Error(err))
	}
	defer closeSync()

	ws := relay.NewWSClient(cfg.Relay.URL, cfg.Relay.DialTimeout, logger)
	c, err := client.NewBuilder(store.kv, ws).
		WithKeyserver(identity.NewKeyserver(cfg.Keyserver.URL, nil, logger)).
		WithPassphrase([]byte(passphrase), clientcrypto.DefaultKDF).
		WithSyncStore(syncStore).
		WithFailures(store.failures).
		WithResolver(identity.NewWebResolver(store.kv, logger)).
		WithProtocol(protocol.Config{
			RequestTimeout:  cfg.Protocol.RequestTimeout,
			SubscriptionTTL: cfg.Protocol.SubscriptionTTL,
			LateWindow:      cfg.Protocol.LateWindow,
		}).
		WithSync(syncer.Config{Device: cfg.DeviceID, FlushInterval: cfg.Sync.FlushInterval}).
		WithScheduler(scheduler.Config{Interval: cfg.Scheduler.Interval}).
		WithLogger(logger).
		Build(ctx)
	if err != nil {
		logger.Fatal("build client", zap.Error(err))
	}

	api := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(c, apiKey, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gs := grpcserver.New(logger, apiKey, cfg.GRPC.Reflection)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPC.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
		g.Go(func() error {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPC.HealthAddr))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			gs.Watch(gctx, 15*time.Second, store.probe)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.Shutdown(shutdown)
		gs.Stop(5 * time.Second)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(development bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func openStorage(ctx context.Context, cfg config.Config) (*backend, error) {
	window, threshold := cfg.Scheduler.FailureWindow, cfg.Scheduler.FailureThreshold
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if err := migrate.Up(ctx, cfg.Storage.DSN); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			kv:       postgres.NewKVRepo(db),
			failures: limiter.NewPG(db.Pool, window, threshold),
			probe:    db.Ping,
			close:    db.Close,
		}, nil
	case config.DriverMongo:
		mc, err := mongodb.Connect(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			kv:       mongodb.NewKVRepo(mc.Database(cfg.Storage.Database)),
			failures: limiter.NewMemory(window, threshold),
			probe:    func(ctx context.Context) error { return mc.Ping(ctx, nil) },
			close:    func() { _ = mc.Disconnect(context.Background()) },
		}, nil
	default:
		return &backend{
			kv:       memory.NewKV(),
			failures: limiter.NewMemory(window, threshold),
			probe:    func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}
}

func openSync(ctx context.Context, cfg config.Config, log *zap.Logger) (syncer.SyncStore, func(), error) {
	if cfg.Sync.Driver != config.DriverRedis {
		return syncer.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Sync.RedisAddr,
		Password: cfg.Sync.RedisPassword,
		DB:       cfg.Sync.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return syncer.NewRedisStore(rdb, log), func() { _ = rdb.Close() }, nil
}
