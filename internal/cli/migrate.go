package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/freechat/internal/app"
)

// ErrVerifyFailed makes `migrate verify` exit non-zero.
var ErrVerifyFailed = errors.New("verification failed")

func (r *root) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy embedded sessions into the session and message tables",
	}

	var dryRun bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Migrate every user with embedded sessions",
		Long: `Copy each embedded session and its messages into the normalized tables.
Sessions that already have a row are skipped, so the command is safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Runner.Run(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	run.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be migrated without writing")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Compare legacy message counts with the normalized tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, ok, err := a.Runner.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if !ok {
					return ErrVerifyFailed
				}
				return nil
			})
		},
	}

	var slimDryRun bool
	slim := &cobra.Command{
		Use:   "slim",
		Short: "Strip migrated message arrays from the legacy column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Runner.Slim(ctx, slimDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	slim.Flags().BoolVar(&slimDryRun, "dry-run", false, "report what would be slimmed without writing")

	var user string
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild a slimmed user's embedded message arrays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Runner.Restore(ctx, user)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": user, "sessions_restored": n})
			})
		},
	}
	restore.Flags().StringVar(&user, "user", "", "user id to restore")
	_ = restore.MarkFlagRequired("user")

	var enqueueDryRun bool
	enqueue := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one migration job per legacy user for the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				pub, err := r.opts.NewPublisher(a.Cfg.RabbitMQ)
				if err != nil {
					return fmt.Errorf("connect broker: %w", err)
				}
				defer pub.Close()

				rep, err := a.Runner.EnqueueUsers(ctx, a.Jobs, pub, enqueueDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	enqueue.Flags().BoolVar(&enqueueDryRun, "dry-run", false, "queue dry-run jobs")

	var purgeDryRun bool
	purge := &cobra.Command{
		Use:   "purge-errors",
		Short: "Delete assistant replies that recorded a failed generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Runner.PurgeErrorReplies(ctx, purgeDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	purge.Flags().BoolVar(&purgeDryRun, "dry-run", false, "count matching replies without deleting")

	cmd.AddCommand(run, verify, slim, restore, enqueue, purge)
	return cmd
}
