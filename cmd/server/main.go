package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"example/manga-api/app"
	"example/manga-api/app/assets"
	"example/manga-api/app/config"
	"example/manga-api/app/download"
	"example/manga-api/app/logging"
	"example/manga-api/app/quota"
	"example/manga-api/app/ratelimit"
	"example/manga-api/app/store"
	"example/manga-api/auth"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Logs.Level, Format: cfg.Logs.Style})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DB.Enabled() {
		db, err := app.OpenDB(ctx, cfg.DB)
		if err != nil {
			logging.Fatal().Err(err).Msg("open database")
		}
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			logging.Fatal().Err(err).Msg("migrate database")
		}
		st = pg
	} else {
		logging.Warn().Msg("POSTGRES_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	var guests quota.GuestCounter = quota.NewMemoryGuestCounter()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logging.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
		}
		guests = quota.NewRedisGuestCounter(rdb, quota.WithGuestPrefix(cfg.Redis.Prefix))
	}

	policy := quota.DefaultPolicy()
	policy.RegisteredDailyLimit = cfg.Quota.RegisteredDailyLimit
	policy.GuestLimit = cfg.Quota.GuestLimit
	policy.DailyReset = cfg.Quota.DailyReset
	classifier := quota.NewClassifier(st, guests, policy)

	verifier, err := auth.NewVerifierFromConfig(cfg.Auth)
	if err != nil {
		logging.Fatal().Err(err).Msg("init auth verifier")
	}

	committer := &download.Committer{Accounts: st, Guests: guests, Popularity: st}
	if cfg.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logging.Fatal().Err(err).Msg("load aws config")
		}
		committer.Events = download.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
	}

	downloads := download.NewService(download.Config{
		Classifier: classifier,
		Catalog:    st,
		Images: assets.NewFetcher(assets.FetcherConfig{
			Timeout:   cfg.Download.FetchTimeout,
			UserAgent: cfg.Download.UserAgent,
			Referer:   cfg.Download.Referer,
			MaxBytes:  cfg.Download.MaxImageBytes,
		}),
		Transcoder: assets.NewTranscoder(cfg.Download.JPEGQuality),
		Committer:  committer,
		Workers:    cfg.Download.Workers,
		Timeout:    cfg.Download.Timeout,
	})

	limiter := ratelimit.NewStore(cfg.Download.RPS, cfg.Download.Burst)
	limiter.StartJanitor(ctx)

	router := app.NewRouter(app.Deps{
		Config:     cfg,
		Store:      st,
		Classifier: classifier,
		Downloads:  downloads,
		Limiter:    limiter,
		Verifier:   verifier,
		Billing:    app.InitStripe(cfg.Stripe),
	})

	// No WriteTimeout: chapter PDFs stream for as long as the download
	// timeout allows.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
	}
}
