// Command mint_token issues a bearer token for the management API.
package main

import (
	"fmt"
	"os"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/utils"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		operator   string
		role       string
		hours      int
	)
	cmd := &cobra.Command{
		Use:   "mint_token",
		Short: "Mint a JWT for the /api management routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if hours <= 0 {
				hours = cfg.JWT.ExpireHour
			}
			utils.SetJWTSecret(cfg.JWT.Secret)

			token, err := utils.GenerateToken(operator, role, hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in audit logs")
	cmd.Flags().StringVar(&role, "role", "admin", "token role")
	cmd.Flags().IntVar(&hours, "hours", 0, "lifetime in hours (defaults to jwt.expire_hour)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
