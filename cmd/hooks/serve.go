package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-hooks/core"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr        string
		withWorker  bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoints",
		Long: `serve exposes POST /webhooks/:source, GET /events/:id and GET /healthz.
With the memory queue the worker must share the process, so it always runs
inline; other queues run it inline only with --worker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if addr == "" {
				addr = s.cfg.HTTP.Addr
			}
			driver := strings.ToLower(strings.TrimSpace(s.cfg.Queue.Driver))
			if driver == "" || driver == core.QueueDriverMemory {
				withWorker = true
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           s.runtime.Router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			errs := make(chan error, 2)

			go func() {
				s.logger.Info("hooks server listening", "addr", addr, "sources", s.runtime.Ingress.Sources())
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errs <- err
					return
				}
				errs <- nil
			}()
			running := 1
			if withWorker {
				worker, err := s.runtime.NewWorker(concurrency)
				if err != nil {
					_ = server.Close()
					return err
				}
				running++
				go func() {
					s.logger.Info("hooks worker started", "concurrency", concurrency, "inline", true)
					errs <- worker.Run(runCtx)
				}()
			}

			var firstErr error
			select {
			case <-ctx.Done():
			case firstErr = <-errs:
				running--
			}
			cancel()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancelShutdown()
			if err := server.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
			for ; running > 0; running-- {
				if err := <-errs; err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to http.addr)")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also run the queue worker in this process")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "inline worker goroutines")
	return cmd
}
