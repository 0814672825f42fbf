package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/vortex-go/internal/catalog"
	"github.com/John-Robertt/vortex-go/internal/compose"
	"github.com/John-Robertt/vortex-go/internal/config"
	"github.com/John-Robertt/vortex-go/internal/controlapi"
	"github.com/John-Robertt/vortex-go/internal/engine"
	"github.com/John-Robertt/vortex-go/internal/fetch"
	"github.com/John-Robertt/vortex-go/internal/httpapi"
	"github.com/John-Robertt/vortex-go/internal/metrics"
	"github.com/John-Robertt/vortex-go/internal/orchestrator"
	"github.com/John-Robertt/vortex-go/internal/platform"
	"github.com/John-Robertt/vortex-go/internal/probe"
	"github.com/John-Robertt/vortex-go/internal/validate"
)

type serveFlags struct {
	listen            string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	connect           bool
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动编排服务与本地 HTTP 接口",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load(cmd)
			if err != nil {
				return err
			}
			if f.listen != "" {
				cfg.API.Listen = f.listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, f, newLogger(cmd.ErrOrStderr(), cfg.Log))
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.listen, "listen", "", "HTTP 监听地址（覆盖 api.listen）")
	fl.DurationVar(&f.readHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	fl.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	fl.BoolVar(&f.connect, "connect", false, "启动后立即连接")
	return cmd
}

// service is everything serve wires together.
type service struct {
	metrics   *metrics.Metrics
	store     *catalog.Store
	refresher *catalog.Refresher
	engine    *engine.Supervisor
	orch      *orchestrator.Orchestrator
}

func buildService(cfg *config.Config, logger *slog.Logger) (*service, error) {
	m := metrics.New()
	plat := platform.Noop{Logger: logger}

	ctl, err := controlapi.New(controlapi.Options{
		BaseURL:  cfg.ControllerURL(),
		Secret:   cfg.Controller.Secret,
		Timeout:  cfg.Controller.Timeout,
		Retries:  cfg.Controller.Retries,
		Logger:   logger,
		Observer: m,
	})
	if err != nil {
		return nil, err
	}
	sup := engine.New(engine.Options{
		Binary:       cfg.Engine.Binary,
		WorkDir:      cfg.Engine.WorkDir,
		StartGrace:   cfg.Engine.StartGrace,
		ReadyTimeout: cfg.Engine.ReadyTimeout,
		StopTimeout:  cfg.Engine.StopTimeout,
		Ready: func(ctx context.Context) error {
			_, err := ctl.Version(ctx)
			return err
		},
		Killer: plat,
		Logger: logger,
	})
	comp, err := compose.New(cfg)
	if err != nil {
		return nil, err
	}

	store := catalog.NewStore(nil)
	ref := catalog.NewRefresher(store, catalog.Options{
		URL:    cfg.Subscription.URL,
		File:   cfg.Subscription.File,
		Fetch:  fetchOptions(cfg),
		Logger: logger,
	})

	orch, err := orchestrator.New(orchestrator.Deps{
		Catalog:   store,
		Composer:  comp,
		Validator: newValidator(cfg, logger),
		Engine:    sup,
		Control:   ctl,
		Platform:  plat,
	}, orchestrator.Options{
		Selector:       cfg.Selector,
		ProxyHost:      "127.0.0.1",
		ProxyPort:      cfg.Listen.MixedPort,
		TUN:            cfg.TUN.Enable,
		Teardown:       cfg.Teardown,
		Probe:          probeOptions(cfg, logger, m),
		EngineLogLevel: cfg.LogLevel,
		WorkDir:        cfg.Engine.WorkDir,
		Logger:         logger,
		Observer:       m,
	})
	if err != nil {
		return nil, err
	}
	return &service{metrics: m, store: store, refresher: ref, engine: sup, orch: orch}, nil
}

func fetchOptions(cfg *config.Config) fetch.Options {
	return fetch.Options{
		Timeout:   cfg.Subscription.FetchTimeout,
		MaxBytes:  cfg.Subscription.MaxBytes,
		UserAgent: cfg.Subscription.UserAgent,
		Flag:      cfg.Subscription.Flag,
	}
}

func probeOptions(cfg *config.Config, logger *slog.Logger, obs probe.Observer) probe.Options {
	return probe.Options{
		URL:          cfg.Probe.URL,
		Timeout:      cfg.Probe.Timeout,
		BatchTimeout: cfg.Probe.BatchTimeout,
		Concurrency:  cfg.Probe.Concurrency,
		Rate:         cfg.Probe.Rate,
		Logger:       logger,
		Observer:     obs,
	}
}

// newValidator prefers the engine's own check and falls back to the
// structural one when the binary is missing.
func newValidator(cfg *config.Config, logger *slog.Logger) validate.Validator {
	return &validate.Chain{
		Primary: &validate.EngineCheck{
			Binary:  cfg.Engine.Binary,
			WorkDir: cfg.Engine.WorkDir,
			Timeout: cfg.Engine.ValidateTimeout,
			Logger:  logger,
		},
		Fallback: validate.Heuristic{},
		Logger:   logger,
	}
}

func runServe(ctx context.Context, cfg *config.Config, f *serveFlags, logger *slog.Logger) error {
	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}

	if _, err := svc.refresher.Refresh(ctx); err != nil {
		if errors.Is(err, catalog.ErrNoSource) {
			logger.Warn("no subscription configured; catalog is empty")
		} else {
			logger.Warn("initial subscription refresh failed", slog.String("err", err.Error()))
		}
	}

	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: httpapi.NewHandler(httpapi.Options{
			Orchestrator: svc.orch,
			Catalog:      svc.store,
			Refresher:    svc.refresher,
			Events:       svc.orch.Events,
			Traffic:      svc.orch.Traffic,
			Logs:         svc.orch.Logs,
			Metrics:      svc.metrics,
			Logger:       logger,
		}),
		ReadHeaderTimeout: f.readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", "http://"+cfg.API.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.refresher.Run(gctx, cfg.Subscription.RefreshInterval)
		return nil
	})
	if path := cfg.Subscription.File; path != "" {
		g.Go(func() error {
			watchSubscription(gctx, path, logger, func() {
				if _, err := svc.refresher.Refresh(gctx); err != nil {
					logger.Warn("subscription file reload failed", slog.String("err", err.Error()))
				}
			})
			return nil
		})
	}
	if f.connect {
		g.Go(func() error {
			if err := svc.orch.Connect(gctx, ""); err != nil {
				logger.Warn("initial connect failed", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
		defer cancel()
		svc.shutdown(shCtx, logger)
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("graceful shutdown failed", slog.String("err", err.Error()))
			_ = srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// shutdown leaves the host clean: the session is torn down, event streams
// are closed so SSE clients return, and a warm engine is stopped.
// watchSubscription keeps the file watcher out of the service lifetime: a
// watcher that cannot start only costs hot reload.
func watchSubscription(ctx context.Context, path string, logger *slog.Logger, onChange func()) {
	if err := catalog.WatchFile(ctx, path, logger, onChange); err != nil && ctx.Err() == nil {
		logger.Warn("subscription file watch stopped",
			slog.String("path", path),
			slog.String("err", err.Error()),
		)
	}
}

func (s *service) shutdown(ctx context.Context, logger *slog.Logger) {
	if st := s.orch.State(); st != orchestrator.StateDisconnected {
		if err := s.orch.Disconnect(ctx); err != nil {
			logger.Warn("disconnect on shutdown failed", slog.String("err", err.Error()))
		}
	}
	s.orch.Close()
	if s.engine.Running() {
		if err := s.engine.Stop(ctx); err != nil {
			logger.Warn("engine stop on shutdown failed", slog.String("err", err.Error()))
		}
	}
}
