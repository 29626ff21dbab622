package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
)

const hubCloseTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <target>",
		Short: "Run the crawl engine for one target in the foreground",
		Long: `Runs the two-phase crawl for one target: link collection over every
section, then detail crawling of the pending queue. Once caught up the engine
stays in recurring mode and re-scans daily. The control process launches one
of these per target; it can also be run by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), args[0])
		},
	}
}

func runEngine(ctx context.Context, identity string) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger().With(zap.String("identity", identity))

	var reg prometheus.Registerer
	if cfg.Engine.MetricsAddr != "" {
		metrics.Init()
		reg = prometheus.DefaultRegisterer
		srv := &http.Server{
			Addr:              cfg.Engine.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server started", zap.String("addr", cfg.Engine.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	hub, err := a.NewHub(reg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubCloseTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub did not drain", zap.Error(err))
		}
	}()

	eng, err := a.NewEngine(identity, hub)
	if err != nil {
		return err
	}
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine run failed", zap.Error(err))
		return err
	}
	return nil
}
