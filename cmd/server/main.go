package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/scythe504/bizsim-backend/internal/auth"
	"github.com/scythe504/bizsim-backend/internal/config"
	"github.com/scythe504/bizsim-backend/internal/disruption"
	"github.com/scythe504/bizsim-backend/internal/router"
	"github.com/scythe504/bizsim-backend/internal/server"
	"github.com/scythe504/bizsim-backend/internal/store"
	"github.com/scythe504/bizsim-backend/internal/websocket"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var authenticator router.Authenticator
	if cfg.JWTSecret != "" {
		authenticator = auth.New(cfg.JWTSecret, nil)
	} else {
		log.Warn().Msg("no JWT secret configured, trusting client supplied identities")
	}

	policy := disruption.DefaultPolicy()
	policy.Probability = cfg.DisruptionProbability
	policy.Timeout = cfg.DisruptionTimeout

	rt := router.New(st, router.Options{
		Auth:                 authenticator,
		DefaultRoundDuration: cfg.DefaultRoundDuration,
		IdleTimeout:          cfg.IdleTimeout,
		StoreTimeout:         cfg.StoreTimeout,
		PersistWarnAfter:     cfg.PersistWarnAfter,
		ClampScores:          cfg.ClampDisplayScores,
		Disruption:           policy,
	})

	ws := websocket.NewHandler(ctx, rt, websocket.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SendBuffer:       cfg.SendBuffer,
	})
	srv := server.NewServer(cfg.Port, rt, ws)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				rt.TickAll(ctx, now.Sub(last))
				last = now
			}
		}
	})

	if cfg.IdleTimeout > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					rt.Sweep(now)
				}
			}
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		if cfg.SeedFile == "" {
			log.Warn().Msg("no database or seed file configured, starting with an empty memory store")
			return store.NewMemory(), func() {}, nil
		}
		mem, err := store.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("seed", cfg.SeedFile).Msg("using memory store")
		return mem, func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	err = backoff.RetryNotify(func() error {
		return pg.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("database not ready")
	})
	if err != nil {
		pg.Close()
		return nil, nil, err
	}

	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	if cfg.SeedFile != "" {
		seed, err := store.ReadSeedFile(cfg.SeedFile)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		if err := pg.Seed(ctx, seed); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	log.Info().Msg("using postgres store")
	return pg, pg.Close, nil
}
