package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-hooks/adapters/gocommand"
	hookscommand "github.com/goliatone/go-hooks/command"
)

func newReplayCmd(root *rootOptions) *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "replay <event-id>...",
		Short: "Re-enqueue failed events",
		Long: `replay moves failed events back to queued under a fresh job id. With
--release the arguments are idempotency keys whose claim is dropped instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			subs, err := s.runtime.Subscribe(nil)
			if err != nil {
				return err
			}
			defer subs.Unsubscribe()

			out := cmd.OutOrStdout()
			for _, arg := range args {
				if release {
					if err := gocommand.Dispatch(ctx, hookscommand.ReleaseClaimMessage{IdempotencyKey: arg}); err != nil {
						return fmt.Errorf("release %s: %w", arg, err)
					}
					fmt.Fprintf(out, "released %s\n", arg)
					continue
				}
				result, err := gocommand.Replay(ctx, hookscommand.ReplayEventMessage{EventID: arg})
				if err != nil {
					return fmt.Errorf("replay %s: %w", arg, err)
				}
				fmt.Fprintf(out, "queued %s as %s\n", result.EventID, result.JobID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "treat arguments as idempotency keys and release their claims")
	return cmd
}
