package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"replydesk/internal/config"
	"replydesk/internal/crypto"
	"replydesk/internal/handler"
	"replydesk/internal/middleware"
	"replydesk/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "replydesk",
	Short: "Auto-reply and contact CRM for Instagram business accounts",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, internal API and background jobs",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("Database is up to date")
		return nil
	},
}

var fullSync bool

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "Run one contact sync for a user in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			contacts, err := a.pipeline.Sync(ctx, args[0], fullSync)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d contacts\n", len(contacts))
			return nil
		})
	},
}

var refreshTokensCmd = &cobra.Command{
	Use:   "refresh-tokens",
	Short: "Refresh every access token close to expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := a.tokens.RefreshExpiring(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d, failed %d\n", result.Refreshed, result.Failed)
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain-dead-letters",
	Short: "Retry every failed delivery that is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := a.drainer.Drain(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, rescheduled %d, abandoned %d\n",
				result.Delivered, result.Rescheduled, result.Abandoned)
			return nil
		})
	},
}

var (
	tokenService string
	tokenUser    string
	tokenTTL     time.Duration
)

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Sign a service token for the internal API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Security.ServiceTokenSecret == "" {
			return fmt.Errorf("security.service_token_secret is not set")
		}
		token, err := middleware.IssueServiceToken([]byte(cfg.Security.ServiceTokenSecret), tokenService, tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a new random master key for security.master_key",
	// Needs no config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yml", "Path to the YAML config file")

	syncCmd.Flags().BoolVar(&fullSync, "full", false, "Re-analyze every conversation")

	issueTokenCmd.Flags().StringVar(&tokenService, "service", "crm", "Caller name stored as the token subject")
	issueTokenCmd.Flags().StringVar(&tokenUser, "user", "", "Bind the token to one user id")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (0 never expires)")

	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd, refreshTokensCmd, drainCmd, issueTokenCmd, genKeyCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp wires the application for a one-shot command.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Webhook.AppSecret == "" {
		logger.Warn("webhook.app_secret is empty, payload signatures are not verified")
	}

	srv := server.NewServer(cfg.Server.Port, server.Handlers{
		Webhook: handler.NewWebhookHandler(a.processor, cfg.Webhook.VerifyToken, cfg.Webhook.AppSecret, logger),
		API:     handler.NewAPIHandler(a.scheduler, a.contacts, logger),
	}, []byte(cfg.Security.ServiceTokenSecret), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	logger.Info("Application stopped.")
	return err
}
