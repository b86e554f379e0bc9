package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			worker, err := s.runtime.NewWorker(concurrency)
			if err != nil {
				return err
			}
			s.logger.Info("hooks worker started", "concurrency", concurrency, "queue", s.cfg.Queue.Driver)
			err = worker.Run(ctx)
			s.logger.Info("hooks worker stopped")
			return err
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "jobs processed in parallel")
	return cmd
}
