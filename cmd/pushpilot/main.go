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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"pushpilot/internal/alerts"
	"pushpilot/internal/api"
	"pushpilot/internal/audience"
	"pushpilot/internal/cadence"
	"pushpilot/internal/config"
	"pushpilot/internal/delivery"
	"pushpilot/internal/engine"
	"pushpilot/internal/storage"
	"pushpilot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	// Optional .env for local development; the config file is authoritative.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
	})
	defer logSvc.Close()

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Dir:         cfg.Storage.Dir,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	audClient := audience.NewClient(audience.Config{
		BaseURL: cfg.Audience.BaseURL,
		Timeout: cfg.Audience.Timeout.Std(),
	}, log.With(logx.String("svc", "audience")))

	var cadClient *cadence.Client
	var deliveryCadence delivery.Cadence
	if cfg.Cadence.BaseURL != "" {
		cadClient = cadence.NewClient(cadence.Config{
			BaseURL: cfg.Cadence.BaseURL,
			Timeout: cfg.Cadence.Timeout.Std(),
		}, log.With(logx.String("svc", "cadence")))
		deliveryCadence = cadClient
	}

	deliverySvc := delivery.New(delivery.Config{
		BaseURL:    cfg.Delivery.BaseURL,
		Timeout:    cfg.Delivery.Timeout.Std(),
		RatePerSec: cfg.Delivery.RatePerSec,
		RetryMax:   cfg.Delivery.RetryMax,
	}, deliveryCadence, log.With(logx.String("svc", "delivery")))

	var alerter engine.Alerter
	if cfg.Alerts.Enabled {
		notifier, err := alerts.New(alerts.Config{
			Enabled: true,
			Token:   cfg.Alerts.Token,
			ChatID:  cfg.Alerts.ChatID,
		}, log.With(logx.String("svc", "alerts")))
		if err != nil {
			log.Warn("operator alerts disabled", logx.Err(err))
		} else {
			alerter = notifier
		}
	}

	eng := engine.New(engine.Config{
		Timezone:         cfg.Timezone,
		CancellationPoll: cfg.Engine.CancellationPoll.Std(),
	}, engine.Deps{
		Store:    store,
		Audience: audClient,
		Delivery: deliverySvc,
		Alerts:   alerter,
	}, log.With(logx.String("svc", "engine")))

	eng.Start(ctx)
	eng.RestoreActive(ctx)

	var httpSrv *http.Server
	if cfg.API.Enabled {
		probes := map[string]api.HealthProber{"audience": audClient}
		if cadClient != nil {
			probes["cadence"] = cadClient
		}
		srv := api.NewServer(eng, probes, log.With(logx.String("svc", "api")))
		httpSrv = &http.Server{Addr: cfg.API.Listen, Handler: srv.Handler()}
		go func() {
			log.Info("api listening", logx.String("addr", cfg.API.Listen))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("api server failed", logx.Err(err))
			}
		}()
	}

	// Hot-reload logging settings on config edits. Schedules and collaborator
	// endpoints require a restart; campaigns in flight must not change hands.
	go func() {
		err := mgr.Watch(ctx, func(next *config.Config) {
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    next.Logging.File,
			})
		})
		if err != nil {
			log.Warn("config watch unavailable", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("pushpilot started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	eng.Shutdown(shutdownCtx)
	return nil
}
