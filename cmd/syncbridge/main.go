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

	"github.com/MarcoPoloResearchLab/syncbridge/internal/auth"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/capture"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/config"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/cursor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/database"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/logging"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/poller"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/primary"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/processor"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/replica"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "syncbridge-auth"
	tokenAudienceName = "syncbridge-api"
)

var (
	cfgFile   string
	tokenPeer string
	tokenTTL  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncbridge",
		Short: "Bidirectional change-propagation engine between the primary store and the portal replica",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("replica-base-url", defaults.GetString("replica.base_url"), "Replica portal sync API base URL")
	cmd.PersistentFlags().Duration("queue-interval", defaults.GetDuration("queue.interval"), "Queue processor interval")
	cmd.PersistentFlags().Int("queue-batch-size", defaults.GetInt("queue.batch_size"), "Queue processor batch size")
	cmd.PersistentFlags().Int("queue-max-attempts", defaults.GetInt("queue.max_attempts"), "Attempts before a record is marked failed")
	cmd.PersistentFlags().Bool("poller-enabled", defaults.GetBool("poller.enabled"), "Enable the reverse poller")
	cmd.PersistentFlags().Duration("poller-interval", defaults.GetDuration("poller.interval"), "Reverse poller interval")
	cmd.PersistentFlags().Duration("poller-lookback", defaults.GetDuration("poller.lookback"), "Cursor seed lookback for new streams")
	cmd.PersistentFlags().Int("poller-max-records", defaults.GetInt("poller.max_records"), "Maximum records fetched per poll")
	cmd.PersistentFlags().String("signing-secret", "", "Peer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "replica.base_url", "replica-base-url")
	bindFlag(cmd, "queue.interval", "queue-interval")
	bindFlag(cmd, "queue.batch_size", "queue-batch-size")
	bindFlag(cmd, "queue.max_attempts", "queue-max-attempts")
	bindFlag(cmd, "poller.enabled", "poller-enabled")
	bindFlag(cmd, "poller.interval", "poller-interval")
	bindFlag(cmd, "poller.lookback", "poller-lookback")
	bindFlag(cmd, "poller.max_records", "poller-max-records")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newIssueTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a peer token for webhook or ops callers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        tokenIssuerName,
				Audience:      tokenAudienceName,
				TokenTTL:      tokenTTL,
			})
			token, expiresIn, err := issuer.IssuePeerToken(cmd.Context(), tokenPeer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenPeer, "peer", "replica-portal", "Peer name embedded in the token subject")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	graph := entities.DefaultGraph()

	queueStore, err := queue.NewStore(queue.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	cursorStore, err := cursor.NewStore(db)
	if err != nil {
		return err
	}

	recorder, err := capture.NewRecorder(capture.RecorderConfig{
		Queue:     queueStore,
		Graph:     graph,
		Predicate: capture.AuthorTypePredicate("authorType", "doctor"),
		Logger:    logging.Component(logger, "capture"),
	})
	if err != nil {
		return err
	}

	primaryStore, err := primary.NewStore(primary.StoreConfig{
		Database: db,
		Graph:    graph,
		Capture:  recorder,
		Logger:   logging.Component(logger, "primary"),
	})
	if err != nil {
		return err
	}

	replicaClient, err := replica.NewClient(replica.ClientConfig{
		BaseURL:        appConfig.ReplicaBaseURL,
		APIKey:         appConfig.ReplicaAPIKey,
		RequestTimeout: appConfig.ReplicaTimeout,
		Logger:         logging.Component(logger, "replica"),
	})
	if err != nil {
		return err
	}

	queueProcessor, err := processor.NewService(processor.ServiceConfig{
		Queue:       queueStore,
		Graph:       graph,
		Primary:     primaryStore,
		Replica:     replicaClient,
		BatchSize:   appConfig.QueueBatchSize,
		MaxAttempts: appConfig.QueueMaxAttempts,
		Retention:   time.Duration(appConfig.QueueRetentionDays) * 24 * time.Hour,
		Logger:      logging.Component(logger, "queue"),
	})
	if err != nil {
		return err
	}

	reversePoller, err := poller.NewService(poller.ServiceConfig{
		Cursors:    cursorStore,
		Feed:       replicaClient,
		Writer:     primaryStore,
		Streams:    poller.DefaultStreams(),
		MaxRecords: appConfig.PollerMaxRecords,
		Lookback:   appConfig.PollerLookback,
		Logger:     logging.Component(logger, "poller"),
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenManager,
		QueueRunner:    queueProcessor,
		PollerRunner:   reversePoller,
		Writer:         primaryStore,
		QueueStore:     queueStore,
		CursorStore:    cursorStore,
		Graph:          graph,
		Logger:         logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go queueProcessor.Start(signalCtx, appConfig.QueueInterval)
	if appConfig.PollerEnabled {
		go reversePoller.Start(signalCtx, appConfig.PollerInterval)
	} else {
		logger.Info("reverse poller disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
