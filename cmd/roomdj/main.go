// Package main provides the RoomDJ CLI entry point.
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"roomdj/internal/api"
	"roomdj/internal/arbiter"
	"roomdj/internal/auth"
	"roomdj/internal/catalog"
	"roomdj/internal/core"
	httpserver "roomdj/internal/http"
	"roomdj/internal/ratelimit"
	"roomdj/internal/session"
	"roomdj/internal/users"
)

const defaultServerHost = "0.0.0.0"

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "roomdj",
	Short: "RoomDJ - shared listening sessions on a provider playlist",
	Long: `RoomDJ coordinates multi-participant listening sessions: participants request
tracks over a REST API, the queue is mirrored to a provider playlist, and an
optional LLM arbiter decides where each track fits the session's theme.`,
	RunE: runService,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authorize a user against the music provider",
	Long: `Runs the browser-based authorization flow for one user and stores the
resulting credential in the user directory. The user is created if the
username is not registered yet.`,
	RunE: runConnect,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	rootCmd.PersistentFlags().String("catalog-client-id", "", "provider application client ID")
	rootCmd.PersistentFlags().String("catalog-client-secret", "", "provider application client secret")
	rootCmd.PersistentFlags().Int("catalog-push-chunk-size", 100, "tracks per playlist push request")
	rootCmd.PersistentFlags().Int("catalog-retry-attempts", 3, "attempts for transient catalog failures")
	rootCmd.PersistentFlags().Int("auth-callback-port", 8888, "local port for the authorization callback")
	rootCmd.PersistentFlags().Int("auth-flow-timeout-secs", 300, "authorization flow timeout in seconds")
	rootCmd.PersistentFlags().String("arbiter-provider", "none", "placement arbiter (openai, anthropic, none)")
	rootCmd.PersistentFlags().String("arbiter-model", "", "arbiter model name")
	rootCmd.PersistentFlags().String("arbiter-api-key", "", "arbiter API key")
	rootCmd.PersistentFlags().String("users-db-path", "./roomdj_users.db", "user directory database path")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("session-max-seen-tracks", 10000, "duplicate guard capacity per session")
	rootCmd.PersistentFlags().Int("session-requests-per-minute", 6, "per-participant request budget per minute")

	connectCmd.Flags().String("username", "", "username to authorize (required)")
	connectCmd.Flags().String("display-name", "", "display name when creating the user")
	rootCmd.AddCommand(connectCmd)

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("ROOMDJ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Catalog.ClientID = viper.GetString("catalog-client-id")
	cfg.Catalog.ClientSecret = viper.GetString("catalog-client-secret")
	if v := viper.GetInt("catalog-push-chunk-size"); v > 0 {
		cfg.Catalog.PushChunkSize = v
	}
	if v := viper.GetInt("catalog-retry-attempts"); v > 0 {
		cfg.Catalog.RetryAttempts = v
	}

	if v := viper.GetInt("auth-callback-port"); v > 0 {
		cfg.Auth.CallbackPort = v
	}
	if v := viper.GetInt("auth-flow-timeout-secs"); v > 0 {
		cfg.Auth.FlowTimeout = time.Duration(v) * time.Second
	}

	cfg.Arbiter.Provider = viper.GetString("arbiter-provider")
	cfg.Arbiter.Model = viper.GetString("arbiter-model")
	cfg.Arbiter.APIKey = viper.GetString("arbiter-api-key")

	if v := viper.GetString("users-db-path"); v != "" {
		cfg.Users.DBPath = v
	}

	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("server-port"); v > 0 {
		cfg.Server.Port = v
	}

	if v := viper.GetInt("session-max-seen-tracks"); v > 0 {
		cfg.Session.MaxSeenTracks = v
	}
	if v := viper.GetInt("session-requests-per-minute"); v >= 0 {
		cfg.Session.RequestsPerMinute = v
	}

	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")

	return cfg
}

func buildLogger(cfg core.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	built, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}
	return built
}

func validateConfig() error {
	if config.Catalog.ClientID == "" || config.Catalog.ClientSecret == "" {
		return fmt.Errorf("catalog-client-id and catalog-client-secret are required")
	}
	return nil
}

func runService(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting RoomDJ",
		zap.String("arbiter_provider", config.Arbiter.Provider),
		zap.String("users_db", config.Users.DBPath),
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	directory, err := users.Open(config.Users.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open user directory: %w", err)
	}
	defer directory.Close()

	arb, err := createArbiter()
	if err != nil {
		return err
	}

	factory := catalog.NewFactory(config.Catalog, config.Auth, directory, logger)
	registry := session.NewRegistry(factory, arb, config.Session, logger)

	limiter := ratelimit.New(config.Session.RequestsPerMinute)
	defer limiter.Stop()

	metrics := httpserver.NewMetrics()
	handler := api.NewHandler(registry, directory, limiter, metrics, logger)
	server := httpserver.NewServer(&config.Server, metrics, handler.Router(), logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gCtx)
	})

	logger.Info("RoomDJ started successfully")

	if err := g.Wait(); err != nil {
		logger.Error("RoomDJ stopped with error", zap.Error(err))
		return err
	}

	logger.Info("RoomDJ stopped")
	return nil
}

// createArbiter keeps the interface nil when arbitration is disabled. A
// typed nil provider assigned to the interface would not compare equal to
// nil downstream.
func createArbiter() (core.PlacementArbiter, error) {
	provider, err := arbiter.NewProvider(config.Arbiter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create placement arbiter: %w", err)
	}
	if provider == nil {
		return nil, nil
	}
	return provider, nil
}

func runConnect(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		return fmt.Errorf("--username is required")
	}
	displayName, _ := cmd.Flags().GetString("display-name")

	directory, err := users.Open(config.Users.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open user directory: %w", err)
	}
	defer directory.Close()

	user, err := directory.UserByUsername(ctx, username)
	if errors.Is(err, core.ErrUserNotFound) {
		user, err = directory.CreateUser(ctx, username, displayName)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve user %s: %w", username, err)
	}

	flow, err := auth.NewFlow(config.Catalog, config.Auth, logger)
	if err != nil {
		return fmt.Errorf("failed to prepare authorization flow: %w", err)
	}

	fmt.Printf("Authorizing %s, a browser window should open shortly...\n", user.Username)

	cred, err := flow.Run(ctx, config.Auth.CallbackPort)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	if err := directory.AttachCredential(ctx, user.ID, *cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	logger.Info("User authorized",
		zap.String("username", user.Username),
		zap.String("provider", cred.Provider))
	fmt.Printf("Done. %s is connected to %s.\n", user.Username, cred.Provider)
	return nil
}
