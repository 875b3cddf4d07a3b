package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/mdevd/internal/api"
	"github.com/gyaneshwarpardhi/mdevd/internal/config"
	"github.com/gyaneshwarpardhi/mdevd/internal/engine"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
	"github.com/gyaneshwarpardhi/mdevd/internal/sysfs"
	"github.com/gyaneshwarpardhi/mdevd/internal/uevent"
)

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Listen for kernel uevents and apply the rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDaemon(cmd.Context())
		},
	}
}

func (a *app) runDaemon(parent context.Context) error {
	cfg, logger := a.cfg, a.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Rules ────────────────────────────────────────────────────────────────
	loader, err := config.NewRuleLoader(cfg.Rules.Path, logger.Named("rules"))
	if err != nil {
		return err
	}
	set, err := a.compile(loader.Text(), loader.Path())
	if err != nil {
		return err
	}
	logger.Info("rules loaded",
		zap.String("source", set.Source()),
		zap.Int("rules", set.Len()),
		zap.Uint64("version", set.Version()),
	)

	// ── Engine ───────────────────────────────────────────────────────────────
	resolver, err := a.resolver()
	if err != nil {
		return err
	}
	exec, err := a.executor()
	if err != nil {
		return err
	}
	opts := engine.Options{
		Resolver:   resolver,
		Executor:   exec,
		QueueDepth: cfg.Dispatch.QueueDepth,
		Workers:    cfg.Dispatch.Workers,
		Logger:     logger.Named("engine"),
	}
	if cfg.Rebroadcast {
		rb, err := uevent.NewRebroadcaster(uevent.RebroadcastGroup)
		if err != nil {
			return err
		}
		defer rb.Close()
		opts.Publisher = rb
	}
	// The event being handled when a signal arrives still finishes.
	eng := engine.New(context.Background(), set, opts)
	defer eng.Shutdown()

	policy := a.policy()
	reload := func() ([]*rule.ParseError, error) {
		text, err := loader.Reload()
		if err != nil {
			return nil, err
		}
		return eng.Reload(text, loader.Path(), policy)
	}

	// ── Hot reload ───────────────────────────────────────────────────────────
	if cfg.Rules.Watch {
		loader.OnChange(func(text string) {
			_, _ = eng.Reload(text, loader.Path(), policy)
		})
		stopWatch, err := loader.Watch()
		if err != nil {
			logger.Warn("rule watcher unavailable (hot-reload disabled)", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// ── Uevents ──────────────────────────────────────────────────────────────
	listener, err := uevent.Listen(sysfs.Enricher{Root: cfg.Devices.SysfsRoot}.Enrich, logger.Named("uevent"))
	if err != nil {
		return err
	}
	defer listener.Close()

	// ── Admin HTTP ───────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.Admin.Addr != "" {
		srv = &http.Server{
			Addr:         cfg.Admin.Addr,
			Handler:      api.New(eng, reload, logger.Named("admin")),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin server starting", zap.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer stop()
		return eng.Run(gctx, listener)
	})
	logger.Info("listening for uevents",
		zap.String("dev_root", cfg.Devices.DevRoot),
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Bool("rebroadcast", cfg.Rebroadcast),
	)

wait:
	for {
		select {
		case <-hup:
			if _, err := reload(); err != nil {
				logger.Warn("SIGHUP reload failed", zap.Error(err))
			}
		case <-gctx.Done():
			break wait
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	logger.Info("shutting down")
	stop()
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = srv.Shutdown(shutCtx)
		cancel()
	}
	// Run returns within one poll interval of the cancel; only then is the
	// socket closed.
	err = g.Wait()
	_ = listener.Close()
	eng.Shutdown()
	logger.Info("goodbye", zap.Int("nodes", len(eng.Nodes())))
	return err
}
