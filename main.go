package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stashmirror/internal/config"
	dbpkg "stashmirror/internal/db"
	"stashmirror/internal/exclusions"
	"stashmirror/internal/handlers"
	"stashmirror/internal/httpx"
	"stashmirror/internal/logx"
	"stashmirror/internal/registry"
	"stashmirror/internal/secrets"
	"stashmirror/internal/settings"
	"stashmirror/internal/stats"
	"stashmirror/internal/syncer"

	_ "modernc.org/sqlite"
)

func resolveDBPath(p string) string {
	info, err := os.Stat(p)
	if err == nil && info.IsDir() {
		return filepath.Join(p, "stashmirror.db")
	}
	return p
}

func ensureFile(p string) error {
	info, err := os.Stat(p)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
		return nil
	}
	if os.IsNotExist(err) {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return err
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).Level(level).With().Timestamp().Logger()

	path := resolveDBPath(cfg.Database.Path)
	if err := ensureFile(path); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("create db file")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=foreign_keys(1)", path))
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := dbpkg.Init(db); err != nil {
		log.Fatal().Err(err).Msg("init db")
	}

	var enc *secrets.Encryptor
	if cfg.Secrets.Key != "" {
		if enc, err = secrets.New(cfg.Secrets.Key); err != nil {
			log.Fatal().Err(err).Msg("init credential encryption")
		}
	} else {
		log.Warn().Msg("secrets.key unset, instance api keys stored unencrypted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(db, enc)
	if err := reg.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("init instance registry")
	}

	engine := syncer.New(db, reg, cfg.Sync.PageSize, cfg.Sync.CleanupPageSize)
	store := settings.New(db)
	statsSvc := stats.New(db)

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.Every(store.GetDuration(ctx, "sync.interval", cfg.Sync.Interval)).Do(func() {
		if err := engine.IncrementalSync(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled incremental sync")
		}
	})
	scheduler.Every(store.GetDuration(ctx, "sync.full_interval", cfg.Sync.FullInterval)).Do(func() {
		if err := engine.FullSync(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled full sync")
		}
	})
	scheduler.StartAsync()

	r := handlers.New(handlers.Deps{
		DB:         db,
		Registry:   reg,
		Syncer:     engine,
		Exclusions: exclusions.New(db),
		Stats:      statsSvc,
		Encryptor:  enc,
		AdminToken: cfg.Server.AdminToken,
	})
	var shuttingDown atomic.Bool
	handler := withShutdown(r, &shuttingDown)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shuttingDown.Store(true)
		scheduler.Stop()
		time.Sleep(200 * time.Millisecond)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func withShutdown(next http.Handler, flag *atomic.Bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if flag.Load() {
			httpx.Write(w, r, httpx.Unavailable("server shutting down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
