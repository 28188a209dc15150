package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity_service/internal/auth"
	"identity_service/internal/config"
	"identity_service/internal/flows"
	"identity_service/internal/handler"
	"identity_service/internal/limiter"
	"identity_service/internal/mail"
	"identity_service/internal/metrics"
	"identity_service/internal/service"
	"identity_service/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const shutdownTimeout = 10 * time.Second

func main() {
	//PARSE ARGS
	var configPath, disableEmail string
	flag.StringVar(&configPath, "config", "", "path to the yaml config")
	flag.StringVar(&disableEmail, "disable-user", "", "disable the account with this email, revoke its sessions and exit")

	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		log.Fatal("failed get config path from flags")
	}

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting identity service", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lgr, disableEmail); err != nil {
		lgr.Error("identity service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	lgr.Info("identity service stopped")
}

func run(ctx context.Context, cfg *config.Config, lgr *slog.Logger, disableEmail string) error {
	//INIT DB
	store, err := setupStorage(ctx, cfg, lgr)
	if err != nil {
		return err
	}
	defer store.Close()

	//INIT REDIS
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	var guard limiter.Guard = limiter.NoopGuard{}
	if !cfg.Limits.Disabled {
		guard = limiter.NewRedisGuard(rdb, limiter.Config{
			LoginMaxFailures:   cfg.Limits.LoginMaxFailures,
			LoginWindow:        cfg.Limits.LoginWindow,
			RequestMaxRequests: cfg.Limits.ResetMaxRequests,
			RequestWindow:      cfg.Limits.ResetWindow,
		})
	}

	//INIT MAIL
	var sender mail.Sender = mail.NewLogSender(lgr)
	if cfg.Mail.Driver == config.MailRedis {
		sender = mail.NewRedisOutbox(rdb, cfg.Mail.Stream, cfg.Mail.MaxLen)
	}
	dispatcher := mail.NewDispatcher(sender, lgr, cfg.Mail.QueueSize, cfg.Mail.Timeout)
	defer dispatcher.Close()

	//INIT METRICS
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterMetrics(reg)

	//INIT SERVICE
	issuer := auth.NewTokenIssuer(cfg.Tokens.AccessSecret, cfg.Tokens.Issuer, cfg.Tokens.AccessTTL)
	flowManager := flows.NewManager(store, cfg.Flows.VerifyTTL, cfg.Flows.ResetTTL, cfg.Flows.Retention)

	srvc := service.NewService(service.Deps{
		Storage:             store,
		Tokens:              auth.NewTokenService(store, issuer, cfg.Tokens.RefreshTTL),
		Flows:               flowManager,
		Hashes:              auth.NewHashPool(auth.NewHasher(cfg.Hashing.Cost), cfg.Hashing.Workers),
		Guard:               guard,
		Mailer:              dispatcher,
		Log:                 lgr,
		KeepSessionsOnReset: cfg.Auth.KeepSessionsOnReset,
	})

	if disableEmail != "" {
		return srvc.DisableAccount(ctx, disableEmail)
	}

	h := handler.NewHandler(srvc, lgr, handler.Cookies{
		Domain:   cfg.Cookies.Domain,
		Path:     cfg.Cookies.Path,
		Secure:   !cfg.Cookies.Insecure,
		SameSite: handler.ParseSameSite(cfg.Cookies.SameSite),
	}, reg)

	//INIT SERVER
	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(),
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		flowManager.RunJanitor(gctx, lgr, cfg.DB.PurgeEvery)
		return nil
	})

	g.Go(func() error {
		lgr.Info("http server started", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		lgr.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupStorage(ctx context.Context, cfg *config.Config, lgr *slog.Logger) (storage.Storage, error) {
	if cfg.DB.Driver == config.StorageMemory {
		lgr.Warn("using in-memory storage, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	}

	if !cfg.DB.SkipMigrate {
		if err := storage.Migrate(cfg.DB.DbURL); err != nil {
			return nil, err
		}
		lgr.Info("database migrated")
	}

	return storage.NewPostgresStorage(ctx, cfg.DB.DbURL, cfg.DB.QueryTimeout)
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
