// Package main runs the result card service: it renders race result cards
// from HTML templates with a headless browser, caches the PNGs and hands them
// to the messaging bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"result-cards/internal/carddata"
	"result-cards/internal/cardtpl"
	"result-cards/internal/config"
	"result-cards/internal/designs"
	"result-cards/internal/dispatch"
	"result-cards/internal/imagecache"
	"result-cards/internal/logger"
	"result-cards/internal/notify"
	"result-cards/internal/render"
	"result-cards/internal/screenshot"
	"result-cards/internal/server"
	"result-cards/internal/upstream"
)

// version is set at build time with -X main.version=...
var version = "dev"

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	envPath := flag.String("env", ".env", "path to a .env file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *envPath); err != nil {
		fmt.Fprintln(os.Stderr, "resultcards:", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, logCloser := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, MaxSizeMB: cfg.Log.MaxSizeMB})
	defer logCloser.Close()
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log.Info("starting", "version", version, "addr", cfg.Server.Addr, "templates", cfg.Paths.TemplatesDir, "images", cfg.Paths.ImagesDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ///////////////////////////////////////////////
	// Data and templates
	// ///////////////////////////////////////////////

	client := upstream.New(upstream.Endpoints{
		Results: cfg.Upstream.ResultsURL,
		Fields:  cfg.Upstream.FieldsURL,
		Events:  cfg.Upstream.EventsURL,
	}, time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second, cfg.Upstream.RetryMax, log.With("component", "upstream"))

	loader := carddata.NewLoader(client, carddata.Options{
		BackgroundField: cfg.Assets.BackgroundField,
		BrandField:      cfg.Assets.BrandField,
		TeamLogoField:   cfg.Assets.TeamLogoField,
		SponsorField:    cfg.Assets.SponsorField,
		DefaultTeam:     cfg.Assets.DefaultTeam,
		DefaultLogoTeam: cfg.Assets.DefaultLogoTeam,
		Degrade:         cfg.Aggregate.Mode == config.ModeDegrade,
	}, log.With("component", "carddata"))

	store := cardtpl.NewStore(cfg.Paths.TemplatesDir, log.With("component", "templates"))
	go func() {
		if err := store.Watch(ctx); err != nil {
			log.Warn("template watcher stopped, templates are read from disk on every request", "error", err)
		}
	}()

	registry := designs.New(store, loader, client, cfg.Assets.BaseURL, log.With("component", "designs"))

	// ///////////////////////////////////////////////
	// Rendering and dispatch
	// ///////////////////////////////////////////////

	shots := screenshot.New(context.Background(), screenshot.Options{
		ChromePath:  cfg.Screenshot.ChromePath,
		NoSandbox:   cfg.Screenshot.NoSandbox,
		Timeout:     time.Duration(cfg.Screenshot.TimeoutSeconds) * time.Second,
		MaxBrowsers: cfg.Screenshot.MaxBrowsers,
	}, log.With("component", "screenshot"))
	defer shots.Close()

	cache := imagecache.New(cfg.Paths.ImagesDir)
	renderer := render.New(cache, registry, shots, cfg.Server.SelfURL, log.With("component", "render"))

	worker := dispatch.NewWorker(renderer, registry, loader, client, dispatch.Config{
		PublicURL:    cfg.Server.PublicURL,
		BotURL:       cfg.Upstream.BotURL,
		BotTimeout:   time.Duration(cfg.Upstream.BotTimeoutSeconds) * time.Second,
		WindowBefore: cfg.Dispatch.WindowBeforeHours,
		WindowFuture: cfg.Dispatch.WindowFutureHours,
	}, log.With("component", "dispatch"))

	observer, err := notify.New(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log.With("component", "notify"))
	if err != nil {
		return err
	}
	pool := dispatch.NewPool(worker, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, log.With("component", "pool"), observer)

	if cfg.Schedule.Cron != "" {
		go runSchedule(ctx, cfg.Schedule, pool, log.With("component", "schedule"))
	}

	// ///////////////////////////////////////////////
	// HTTP
	// ///////////////////////////////////////////////

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(server.Deps{
			Cache:      cache,
			Renderer:   renderer,
			Designs:    registry,
			Dispatcher: pool,
			PublicDir:  cfg.Paths.PublicDir,
			Log:        log.With("component", "http"),
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		log.Warn("dispatch jobs cancelled at shutdown", "error", err)
	}
	return nil
}
