package main

import (
	"fmt"

	"github.com/spf13/cobra"

	hooks "github.com/goliatone/go-hooks"
	hookmigrations "github.com/goliatone/go-hooks/migrations"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL schema for the sqlite or postgres store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := root.loadConfig(ctx)
			if err != nil {
				return err
			}
			dialect, err := hookmigrations.Dialect(cfg.Store.Driver)
			if err != nil {
				return err
			}
			client, err := hooks.OpenPersistence(cfg.Store, cfg.ServiceName)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := hookmigrations.Apply(ctx, client, dialect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", dialect)
			return nil
		},
	}
}
