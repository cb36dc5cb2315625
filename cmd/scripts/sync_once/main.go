// Command sync_once runs one sync for a stored credential, or for every
// active credential, and prints the run results as JSON. Without flags it
// syncs the credential from JIRA_BASE_URL, JIRA_EMAIL and JIRA_API_TOKEN.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/internal/utils"
	"github.com/huangang/issuesentry/pkg/logger"
	"github.com/spf13/cobra"
)

type options struct {
	configPath   string
	credentialID string
	all          bool
	score        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "sync_once",
		Short: "Run one Jira sync and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	cmd.Flags().StringVar(&opts.credentialID, "credential", "", "id of the stored credential to sync")
	cmd.Flags().BoolVar(&opts.all, "all", false, "sync every active credential")
	cmd.Flags().BoolVar(&opts.score, "score", true, "score issues in-process when Redis is disabled")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})

	if opts.credentialID == "" && !opts.all && cfg.Jira.BaseURL == "" {
		return fmt.Errorf("either --credential, --all or a configured jira base_url is required")
	}

	if err := models.InitDB(&cfg.Database); err != nil {
		return err
	}
	if err := models.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	db := models.GetDB()

	sealer, err := utils.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	queue := services.InitTaskQueue(cfg)
	defer queue.Close()
	if syncQueue, ok := queue.(*services.SyncQueue); ok {
		if opts.score {
			scoring := services.NewScoringService(services.NewPredictionService(db, &cfg.OpenAI), services.NewIssueStore(db))
			syncQueue.SetProcessor(scoring.Process)
		} else {
			syncQueue.SetProcessor(func(context.Context, []byte) error { return nil })
		}
	}

	credentials := services.NewCredentialService(db, sealer, cfg.Jira)
	if cred, err := credentials.ConnectFromConfig(ctx); err != nil {
		logger.Warnf("Configured Jira credential not connected: %v", err)
	} else if cred != nil && opts.credentialID == "" && !opts.all {
		opts.credentialID = fmt.Sprint(cred.ID)
	}
	syncService := services.NewSyncService(db, credentials, services.NewPublisher(queue), cfg.Sync)

	var results []*services.SyncResult
	if opts.all {
		results = syncService.SyncAllActive(ctx, models.TriggerCLI)
	} else {
		if opts.credentialID == "" {
			return fmt.Errorf("configured jira credential could not be connected")
		}
		result, err := syncService.SyncAll(ctx, opts.credentialID, models.TriggerCLI)
		if err != nil {
			return err
		}
		results = append(results, result)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
