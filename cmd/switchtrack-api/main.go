package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/auth"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/backupcodes"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/config"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/database"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/gate"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/hashing"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/logging"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/migration"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/secrets"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/server"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchtrack-api",
		Short: "Switchtrack identity and recovery service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to send credentialed requests (default: any origin, bearer tokens only)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID (enables migration)")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().Bool("retain-display-codes", defaults.GetBool("backup_codes.retain_display_codes"), "Keep plaintext backup codes for later display")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "backup_codes.retain_display_codes", "retain-display-codes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("switchtrack")
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

func runMigrations() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	store, err := users.NewStore(db)
	if err != nil {
		return err
	}
	hasher, err := hashing.NewArgon2idHasher(hashing.Params{
		MemoryKiB:   appConfig.HashingMemoryKiB,
		Iterations:  appConfig.HashingIterations,
		Parallelism: appConfig.HashingParallelism,
		SaltLength:  hashing.DefaultParams().SaltLength,
		KeyLength:   hashing.DefaultParams().KeyLength,
	})
	if err != nil {
		return err
	}
	generator := secrets.NewGenerator()
	idProvider := users.NewUUIDProvider()

	identityService, err := users.NewService(users.ServiceConfig{
		Store:      store,
		Hasher:     hasher,
		Generator:  generator,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     tokenIssuer,
		CookieName: appConfig.CookieName,
	})
	if err != nil {
		return err
	}
	callers, err := users.NewCallerResolver(sessionValidator, identityService, logger)
	if err != nil {
		return err
	}

	codeManager, err := backupcodes.NewManager(backupcodes.ManagerConfig{
		Store:              store,
		Hasher:             hasher,
		Generator:          generator,
		IDProvider:         idProvider,
		RetainDisplayCodes: appConfig.RetainDisplayCodes,
		Clock:              time.Now,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	var providers []migration.ProviderAdapter
	if appConfig.GoogleEnabled() {
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			ClientID: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		providers = append(providers, googleVerifier)
	} else {
		logger.Warn("google client id not configured; identity migration disabled")
	}
	coordinator, err := migration.NewCoordinator(migration.CoordinatorConfig{
		Store:      store,
		IDProvider: idProvider,
		Providers:  providers,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sensitiveGate, err := gate.New(gate.Config{
		Store:  store,
		Codes:  codeManager,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identities:     identityService,
		Callers:        callers,
		Tokens:         tokenIssuer,
		BackupCodes:    codeManager,
		Migrations:     coordinator,
		Gate:           sensitiveGate,
		CookieName:     appConfig.CookieName,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
