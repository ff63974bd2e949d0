package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/trambar/internal/auth"
	"github.com/MarcoPoloResearchLab/trambar/internal/changes"
	"github.com/MarcoPoloResearchLab/trambar/internal/config"
	"github.com/MarcoPoloResearchLab/trambar/internal/logging"
	"github.com/MarcoPoloResearchLab/trambar/internal/migrate"
	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
	"github.com/MarcoPoloResearchLab/trambar/internal/server"
	"github.com/MarcoPoloResearchLab/trambar/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trambar-server",
		Short: "Trambar data server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), false)
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyServerDefaults(viper.GetViper())
	defaults := config.NewServerViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("notify-channel", defaults.GetString("notify.channel"), "Postgres notification channel")
	cmd.PersistentFlags().Duration("batch-window", defaults.GetDuration("notify.batch_window"), "Change batching window")
	cmd.PersistentFlags().String("schema-pattern", defaults.GetString("schema.pattern"), "Regular expression of servable schemas")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Session token issuer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "notify.channel", "notify-channel")
	bindFlag(cmd, "notify.batch_window", "batch-window")
	bindFlag(cmd, "schema.pattern", "schema-pattern")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
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

func newServeCommand() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the data API and change notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := viper.GetString("database.dsn")
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "up":
				return migrate.Up(cmd.Context(), dsn)
			case "status":
				return migrate.Status(cmd.Context(), dsn)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var (
		subject string
		schemas []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenConfig, err := config.LoadToken(viper.GetViper())
			if err != nil {
				return err
			}
			if ttl > 0 {
				tokenConfig.TokenTTL = ttl
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(tokenConfig.SigningSecret),
				Issuer:        tokenConfig.Issuer,
				Audience:      tokenConfig.Audience,
				TokenTTL:      tokenConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(subject, schemas)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]any{"token": token, "expires_at": expiresAt})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id the token is issued to")
	cmd.Flags().StringSliceVar(&schemas, "schema", nil, "Schema the token grants, repeatable; * grants all")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime, defaults to auth.token_ttl")
	return cmd
}

func runServer(ctx context.Context, migrateFirst bool) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrateFirst {
		if err := migrate.Up(signalCtx, appConfig.DatabaseDSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	pool, err := store.Connect(signalCtx, appConfig.DatabaseDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	dataStore, err := store.New(store.Config{
		Pool:          pool,
		SchemaPattern: appConfig.SchemaPattern,
		CacheSize:     appConfig.CacheSize,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
	})
	if err != nil {
		return err
	}

	notifications, err := changes.Listen(signalCtx, pool, appConfig.NotifyChannel)
	if err != nil {
		return fmt.Errorf("listen for changes: %w", err)
	}
	defer notifications.Close()

	dispatcher := realtime.NewDispatcher[[]byte](0)
	listener, err := changes.NewListener(changes.Config{
		Source:       notifications,
		Publisher:    dispatcher,
		Invalidators: []changes.Invalidator{dataStore},
		BatchWindow:  appConfig.BatchWindow,
		Logger:       logger,
		Registerer:   prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Store:          dataStore,
		Changes:        dispatcher,
		Logger:         logger,
		Registerer:     prometheus.DefaultRegisterer,
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: appConfig.AllowedOrigins,
		PingInterval:   appConfig.PingInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		err := listener.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	err = group.Wait()
	logger.Info("server stopped", zap.Error(err))
	return err
}
