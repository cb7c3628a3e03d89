// Command server runs the supplier confirmation case engine: the HTTP API
// and the background poller that chases suppliers on due cases.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/supplier-confirmations/internal/config"
	"github.com/tbourn/supplier-confirmations/internal/dedup"
	httpapi "github.com/tbourn/supplier-confirmations/internal/http"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/repo"
	"github.com/tbourn/supplier-confirmations/internal/services"
	"github.com/tbourn/supplier-confirmations/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.ConfigureLogging(os.Stdout, cfg.LogLevel, cfg.OTEL.ServiceName, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	mb, err := openMailbox(ctx, cfg.Gmail)
	if err != nil {
		return err
	}

	guard, closeGuard, err := openGuard(ctx, cfg.SendGuard)
	if err != nil {
		return err
	}
	defer closeGuard()

	eng := services.NewEngine(services.EngineDeps{
		DB:             db,
		Mailbox:        mb,
		Guard:          guard,
		Policy:         policy,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, eng, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		eng.Poller.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-pollerDone
			return err
		}
	}
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	<-pollerDone
	log.Info().Msg("shutdown complete")
	return nil
}

// openMailbox returns the Gmail mailbox when enabled and a mailbox that
// reports ErrUnavailable otherwise.
func openMailbox(ctx context.Context, gc config.GmailConfig) (mailbox.Mailbox, error) {
	if !gc.Enabled {
		log.Warn().Msg("gmail disabled: inbox lookups and sends will report mailbox_unavailable")
		return mailbox.Unavailable{}, nil
	}
	return mailbox.NewGmail(ctx, mailbox.GmailConfig{
		ClientID:     gc.ClientID,
		ClientSecret: gc.ClientSecret,
		RefreshToken: gc.RefreshToken,
		User:         gc.User,
		From:         gc.Sender,
	})
}

// openGuard connects the Redis send lock when REDIS_URL is set.
func openGuard(ctx context.Context, sc config.SendGuardConfig) (dedup.Guard, func(), error) {
	if sc.RedisURL == "" {
		return dedup.Noop{}, func() {}, nil
	}
	opt, err := redis.ParseURL(sc.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	log.Info().Str("addr", opt.Addr).Dur("ttl", sc.TTL).Msg("send guard connected")
	return dedup.NewRedisGuard(rdb, sc.TTL), func() { _ = rdb.Close() }, nil
}
