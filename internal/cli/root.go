// Package cli implements freechatctl, the operator tool for migration and
// cache maintenance.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/freechat/internal/app"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/logger"
	"github.com/suPer8Hu/freechat/internal/migration"
	"github.com/suPer8Hu/freechat/internal/store/rabbitmq"
)

const version = "0.1.0"

// JobPublisher is a migration.JobPublisher that owns a broker connection.
type JobPublisher interface {
	migration.JobPublisher
	Close() error
}

// Options replace the process dependencies, mainly for tests.
type Options struct {
	NewApp       func(ctx context.Context, cfgPath, logLevel string) (*app.App, error)
	NewPublisher func(cfg config.RabbitMQConfig) (JobPublisher, error)
}

type root struct {
	opts     Options
	cfgFile  string
	logLevel string
}

func defaultNewApp(ctx context.Context, cfgPath, logLevel string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	log, err := logger.New(logLevel, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

func defaultNewPublisher(cfg config.RabbitMQConfig) (JobPublisher, error) {
	return rabbitmq.NewPublisher(cfg.URL, cfg.Queue)
}

// NewRootCmd builds the command tree.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.NewApp == nil {
		opts.NewApp = defaultNewApp
	}
	if opts.NewPublisher == nil {
		opts.NewPublisher = defaultNewPublisher
	}
	r := &root{opts: opts}

	cmd := &cobra.Command{
		Use:   "freechatctl",
		Short: "FreeChat session-state maintenance",
		Long: `freechatctl migrates legacy embedded sessions into the normalized tables,
verifies and slims the result, and maintains the shared cache.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.cfgFile, "config", "", "config file (YAML); FREECHAT_* env vars override it")
	cmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to log.level")
	cmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	cmd.AddCommand(r.migrateCmd(), r.cacheCmd(), r.tokenCmd())
	return cmd
}

// Execute runs freechatctl with the process dependencies.
func Execute() error {
	return NewRootCmd(Options{}).Execute()
}

// withApp builds the App for one command run and closes it afterwards.
func (r *root) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := r.opts.NewApp(ctx, r.cfgFile, r.logLevel)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
