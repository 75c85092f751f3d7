package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/api"
	"github.com/sells-group/scout-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with scheduled reconciliation and monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		staleAfter := time.Duration(cfg.Reconcile.StaleAfterMins) * time.Minute

		// Runs still in flight finish before the store closes.
		defer env.Pipeline.Wait()

		scheduler, err := startReconciler(ctx, env, cfg.Reconcile.Schedule, staleAfter)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()

		ioTimeout := time.Duration(cfg.Pipeline.IOTimeoutSecs) * time.Second
		collector := monitoring.NewCollector(env.Store, staleAfter, monitoring.WithQueryTimeout(ioTimeout))
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), env.Metrics, cfg.Monitoring)
		go checker.Run(ctx)

		requestTimeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
		server := api.NewServer(env.Pipeline, env.Weights, env.Store, api.Config{
			CreateRatePerSec: cfg.Server.CreateRatePerSec,
			CreateBurst:      cfg.Server.CreateBurst,
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			StaleAfter:       staleAfter,
			RequestTimeout:   requestTimeout,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       requestTimeout,
			WriteTimeout:      requestTimeout + 5*time.Second,
			IdleTimeout:       2 * time.Minute,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// startReconciler schedules ReconcileStaleSessions on the cron spec.
func startReconciler(ctx context.Context, env *scoutEnv, spec string, staleAfter time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		fixed, err := env.Pipeline.ReconcileStaleSessions(ctx, staleAfter)
		if err != nil {
			zap.L().Error("scheduled reconcile failed", zap.Error(err))
			return
		}
		if fixed > 0 {
			zap.L().Info("scheduled reconcile", zap.Int("fixed", fixed))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "invalid reconcile schedule %q", spec)
	}
	c.Start()
	zap.L().Info("reconcile scheduled", zap.String("schedule", spec), zap.Duration("stale_after", staleAfter))
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
