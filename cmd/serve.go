package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/govdoc-harvester/internal/api"
	"github.com/JakeFAU/govdoc-harvester/internal/id/uuid"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
	"github.com/JakeFAU/govdoc-harvester/internal/scheduler"
	"github.com/JakeFAU/govdoc-harvester/internal/supervisor"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	var startNow []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control process",
		Long: `Serves the control API, supervises one engine child per configured
target and restarts armed targets at the daily re-scan time. Children are
stopped gracefully on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgFile, startNow)
		},
	}
	cmd.Flags().StringSliceVar(&startNow, "start", nil, "targets to start immediately")
	return cmd
}

func runServe(ctx context.Context, cfgFile string, startNow []string) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger()
	metrics.Init()

	launcher := supervisor.ExecLauncher{Binary: cfg.Supervisor.Binary}
	if cfgFile != "" {
		launcher.Args = []string{"--config", cfgFile}
	}
	sup, err := supervisor.New(a.Backend(), cfg.Identities(), launcher, a.Scan, supervisor.Config{
		LivenessInterval:     cfg.LivenessInterval(),
		StopGrace:            cfg.StopGrace(),
		StatsTimeout:         cfg.StatsTimeout(),
		StatsRefreshInterval: cfg.StatsRefreshInterval(),
		State:                a.StateOptions(),
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	server := api.NewServer(sup, a.Backend(), api.Options{
		APIKey: apiKey,
		IDs:    uuid.New(),
		Logger: logger,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	for _, id := range startNow {
		if _, err := sup.Start(ctx, id); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Scheduler.Enabled {
		at, err := cfg.Schedule()
		if err != nil {
			return err
		}
		sched := scheduler.New(at, sup, sup.ArmedIdentities, nil, logger)
		g.Go(func() error { return ignoreCanceled(sched.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCanceled(sup.RunStatsRefresh(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if stopErr := sup.Shutdown(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return err
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
