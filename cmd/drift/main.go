package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driftnotes/drift/internal/config"
	"github.com/driftnotes/drift/internal/engine"
	"github.com/driftnotes/drift/internal/identity"
	"github.com/driftnotes/drift/internal/logging"
	"github.com/driftnotes/drift/internal/note"
	"github.com/driftnotes/drift/internal/remote"
	"github.com/driftnotes/drift/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const listSnapshotTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drift",
		Short: "Offline-first note store with opportunistic remote sync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newAddCmd(),
		newListCmd(),
		newShowCmd(),
		newRemoveCmd(),
		newSyncCmd(),
		newWatchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Remote store base URL")
	cmd.PersistentFlags().String("remote-token", "", "Bearer token for the remote store")
	cmd.PersistentFlags().String("session-token", "", "Session JWT identifying the principal")
	cmd.PersistentFlags().String("session-secret", "", "Session JWT signing secret")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("principal", "", "Principal override for servers without session tokens")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "session.token", "session-token")
	bindFlag(cmd, "session.signing_secret", "session-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.principal", "principal")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type app struct {
	cfg    config.AppConfig
	logger *zap.Logger
	store  *store.Store
	engine *engine.Engine
	ids    note.IDProvider
}

func newApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	localStore, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Token:   appConfig.RemoteToken,
		Logger:  logger,
	})
	if err != nil {
		localStore.Close() //nolint:errcheck
		return nil, err
	}

	identitySource, err := newIdentitySource(appConfig)
	if err != nil {
		localStore.Close() //nolint:errcheck
		return nil, err
	}

	syncEngine, err := engine.New(engine.Config{
		Store:    localStore,
		Remote:   remoteClient,
		Identity: identitySource,
		Logger:   logger,
	})
	if err != nil {
		localStore.Close() //nolint:errcheck
		return nil, err
	}

	return &app{
		cfg:    appConfig,
		logger: logger,
		store:  localStore,
		engine: syncEngine,
		ids:    note.NewUUIDProvider(),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close local store", zap.Error(err))
	}
	a.logger.Sync() //nolint:errcheck
}

func newIdentitySource(appConfig config.AppConfig) (identity.Source, error) {
	if strings.TrimSpace(appConfig.SessionToken) != "" {
		return identity.NewTokenSource(identity.TokenSourceConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
		}, appConfig.SessionToken)
	}

	static := identity.NewStaticSource()
	if principal := strings.TrimSpace(appConfig.Principal); principal != "" {
		static.SignIn(identity.Principal(principal))
	}
	return static, nil
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <title> [body...]",
		Short: "Create a note (stored locally, pushed best-effort)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.ids.NewID()
			if err != nil {
				return err
			}

			record := note.Note{
				ID:           id,
				Title:        args[0],
				Body:         strings.Join(args[1:], " "),
				ModifiedAtMs: time.Now().UnixMilli(),
			}
			if err := a.engine.Upsert(cmd.Context(), record); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), listSnapshotTimeout)
			defer cancel()

			select {
			case records := <-a.engine.Observe(ctx):
				for _, record := range records {
					marker := " "
					if record.SyncState == note.SyncStatePending {
						marker = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", marker, record.ID, record.Title)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			record, err := a.engine.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if record == nil {
				return fmt.Errorf("note %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", record.Title, record.Body)
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a note (removed locally, remote delete best-effort)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.engine.Delete(cmd.Context(), args[0])
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending notes, then pull the remote collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.engine.ManualSync(cmd.Context())
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Continuously merge remote changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := a.engine.RealtimeSync(ctx)
			if err != nil {
				return err
			}

			for range stream.Ticks() {
				a.logger.Info("remote changes merged")
			}
			if err := stream.Err(); err != nil {
				a.logger.Warn("realtime sync terminated", zap.Error(err))
			}
			return nil
		},
	}
}
