package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/freechat/internal/config"
	"github.com/suPer8Hu/freechat/internal/httpapi/middleware"
)

func (r *root) tokenCmd() *cobra.Command {
	var subject, tenant string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with jwt.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(r.cfgFile)
			if err != nil {
				return err
			}
			tok, err := middleware.SignToken(cfg.JWT.Secret, subject, tenant, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id; defaults to the subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
