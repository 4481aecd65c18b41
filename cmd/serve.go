package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docintel/internal/api"
	"github.com/sells-group/docintel/internal/jobqueue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background job sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(env.Deps(), cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Server.Sweep {
			interval := time.Duration(cfg.Queue.SweepIntervalSecs) * time.Second
			g.Go(func() error {
				runSweep(gctx, env.Queue, env.Processor, interval, cfg.Queue.BatchLimit)
				return nil
			})
		}

		return g.Wait()
	},
}

// runSweep reaps expired leases and processes a batch on every tick until
// ctx is done.
func runSweep(ctx context.Context, q *jobqueue.Queue, p *jobqueue.Processor, interval time.Duration, limit int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zap.L().Info("job sweep started", zap.Duration("interval", interval), zap.Int("batch_limit", limit))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, q, p, limit)
		}
	}
}

func sweepOnce(ctx context.Context, q *jobqueue.Queue, p *jobqueue.Processor, limit int) {
	if _, err := q.ReapStale(ctx); err != nil {
		zap.L().Error("sweep: reap", zap.Error(err))
	}
	if _, err := p.ProcessBatch(ctx, jobqueue.BatchRequest{Limit: limit}); err != nil {
		zap.L().Error("sweep: process batch", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
