package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/freechat/internal/app"
)

func (r *root) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the shared cache",
	}

	var limit int
	warmup := &cobra.Command{
		Use:   "warmup",
		Short: "Preload settings rows into the shared cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n := a.Coordinator.WarmupSettings(ctx, limit)
				return printJSON(cmd.OutOrStdout(), map[string]int{"warmed": n})
			})
		},
	}
	warmup.Flags().IntVar(&limit, "limit", 1000, "maximum rows to load")

	var prefix, user string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete cached entries by key prefix or for one user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (prefix == "") == (user == "") {
				return errors.New("exactly one of --prefix or --user is required")
			}
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if user != "" {
					a.Coordinator.InvalidateUser(ctx, user)
					return printJSON(cmd.OutOrStdout(), map[string]string{"invalidated_user": user})
				}
				n := a.Cache.InvalidatePattern(ctx, prefix)
				return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			})
		},
	}
	invalidate.Flags().StringVar(&prefix, "prefix", "", "key prefix, e.g. freechat:settings:")
	invalidate.Flags().StringVar(&user, "user", "", "drop every cached view of this user")

	cmd.AddCommand(warmup, invalidate)
	return cmd
}
