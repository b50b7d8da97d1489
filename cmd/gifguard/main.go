package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/auth"
	"github.com/MarcoPoloResearchLab/gifguard/internal/bot"
	"github.com/MarcoPoloResearchLab/gifguard/internal/commands"
	"github.com/MarcoPoloResearchLab/gifguard/internal/config"
	"github.com/MarcoPoloResearchLab/gifguard/internal/discord"
	"github.com/MarcoPoloResearchLab/gifguard/internal/logging"
	"github.com/MarcoPoloResearchLab/gifguard/internal/moderation"
	"github.com/MarcoPoloResearchLab/gifguard/internal/server"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	scheduledInvoker  = "scheduler"
	readHeaderTimeout = 10 * time.Second
)

var (
	cfgFile    string
	dotEnvFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gifguard",
		Short: "Discord gif moderation bot",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&dotEnvFile, "env-file", "", "Path to a dotenv file (defaults to .env when present)")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "Database URL (sqlite://path or postgres://...)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "Operator API listen address; empty disables it")
	cmd.Flags().String("guild-id", "", "Register commands in this guild only")
	cmd.Flags().Int("workers", defaults.GetInt("workers.count"), "Concurrent event handlers")
	cmd.Flags().String("audit-display-name-cron", "", "Cron expression for scheduled display name audits")

	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "discord.guild_id", "guild-id")
	bindFlag(cmd, "workers.count", "workers")
	bindFlag(cmd, "audit.display_name_cron", "audit-display-name-cron")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.Flags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.PersistentFlags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gifguard")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runBot(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if appConfig.AuditDisplayNameCron != "" {
		if err := audit.ValidateExpression(appConfig.AuditDisplayNameCron); err != nil {
			return err
		}
	}

	db, err := store.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	moderationStore, err := store.New(store.Config{Database: db, Logger: logger, MediaCacheTTL: appConfig.MediaCacheTTL})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancelCause(signalCtx)
	defer cancelRun(nil)
	onFatal := func(err error) { cancelRun(err) }

	presence := config.NewPresenceStore(viper.GetViper(), config.Presence{Kind: appConfig.PresenceKind, Text: appConfig.PresenceText})
	registry := commands.NewRegistry(logger)

	discordClient, err := discord.New(discord.Config{
		Token:    appConfig.DiscordToken,
		GuildID:  appConfig.DiscordGuildID,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	feed := server.NewDecisionFeed()
	engine, err := moderation.NewEngine(moderation.Config{
		Store:       moderationStore,
		Client:      discordClient,
		Logger:      logger,
		OwnerIDs:    appConfig.OwnerIDs,
		Classifiers: appConfig.Classifiers,
		Publisher:   feed,

		CountDeletions: appConfig.CountDeletions,
	})
	if err != nil {
		return err
	}

	reconciler, err := audit.NewReconciler(audit.Config{
		Store:             moderationStore,
		History:           discordClient,
		Logger:            logger,
		PageSize:          appConfig.AuditPageSize,
		RequestsPerSecond: appConfig.AuditRequestsPerSecond,
		Concurrency:       appConfig.AuditConcurrency,
	})
	if err != nil {
		return err
	}
	audits, err := audit.NewManager(audit.ManagerConfig{
		Runner:   reconciler,
		Notifier: discordClient,
		Logger:   logger,
		OnFatal:  onFatal,
	})
	if err != nil {
		return err
	}
	defer audits.Close()

	if err := commands.RegisterDefaults(registry, commands.HandlersConfig{
		Store:    moderationStore,
		Auth:     engine,
		Audits:   audits,
		Presence: presence,
		Client:   discordClient,
		Logger:   logger,
	}); err != nil {
		return err
	}

	moderationBot, err := bot.New(runCtx, bot.Config{
		Engine:   engine,
		Registry: registry,
		Gateway:  discordClient,
		Presence: presence,
		Logger:   logger,
		Workers:  appConfig.WorkerCount,
		OnFatal:  onFatal,
	})
	if err != nil {
		return err
	}
	defer moderationBot.Shutdown()

	var httpServer *http.Server
	if appConfig.HTTPAddress != "" {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Store:        moderationStore,
			Audits:       audits,
			TokenManager: operatorTokens(appConfig, logger),
			Owners:       appConfig,
			Feed:         feed,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		httpServer = &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return discordClient.Run(groupCtx, moderationBot.Dispatch)
	})

	if httpServer != nil {
		group.Go(func() error {
			logger.Info("operator api starting", zap.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if appConfig.AuditDisplayNameCron != "" {
		schedule := audit.Schedule{
			Expression: appConfig.AuditDisplayNameCron,
			Kind:       audit.KindDisplayNames,
			Starter:    scheduledStarter{audits},
			Logger:     logger,
		}
		group.Go(func() error {
			return schedule.Run(groupCtx)
		})
	}

	waitErr := group.Wait()
	if cause := context.Cause(runCtx); cause != nil && store.IsFatal(cause) {
		logger.Error("stopping after fatal store error", zap.Error(cause))
		return cause
	}
	return waitErr
}

// scheduledStarter attributes cron-started jobs to the scheduler.
type scheduledStarter struct {
	manager *audit.Manager
}

func (s scheduledStarter) Start(kind audit.Kind, _, channelID string) (audit.Job, error) {
	return s.manager.Start(kind, scheduledInvoker, channelID)
}

type disabledTokens struct{}

func (disabledTokens) ValidateRequest(*http.Request) (string, error) {
	return "", auth.ErrMissingSigningSecret
}

func operatorTokens(appConfig config.AppConfig, logger *zap.Logger) server.TokenManager {
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.OperatorSigningSecret),
		TokenTTL:      appConfig.OperatorTokenTTL,
	})
	if err != nil {
		logger.Warn("operator routes disabled", zap.Error(err))
		return disabledTokens{}
	}
	return issuer
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage operator API tokens",
	}
	var subject string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint an operator token for a platform user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			operatorConfig, err := config.LoadOperator(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(operatorConfig.SigningSecret),
				TokenTTL:      operatorConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			owner := false
			for _, id := range operatorConfig.OwnerIDs {
				if id == subject {
					owner = true
				}
			}
			if !owner {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not an owner; audit control will be refused\n", subject)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringVar(&subject, "subject", "", "Platform user id the token represents")
	_ = issueCmd.MarkFlagRequired("subject")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}
