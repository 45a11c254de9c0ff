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

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/config"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/server"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dealroom-api",
		Short: "Deal room draft, publish and version history service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup-drafts",
		Short: "Remove drafts untouched for longer than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), cmd)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString(config.KeyTAuthCookieName), "TAuth session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString(config.KeyTAuthIssuer), "Expected TAuth token issuer")
	cmd.PersistentFlags().Duration("draft-retention", defaults.GetDuration(config.KeyDraftRetention), "How long untouched drafts are kept")
	cmd.PersistentFlags().Duration("draft-sweep-interval", defaults.GetDuration(config.KeyDraftSweepInterval), "Interval between expired draft sweeps")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the shared publish lock (empty keeps it in-process)")
	cmd.PersistentFlags().Duration("redis-lock-ttl", defaults.GetDuration(config.KeyRedisLockTTL), "Publish lock expiry")
	cmd.PersistentFlags().StringSlice("cors-origins", defaults.GetStringSlice(config.KeyCORSOrigins), "Allowed CORS origins")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyTAuthSigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyTAuthCookieName, "session-cookie")
	bindFlag(cmd, config.KeyTAuthIssuer, "session-issuer")
	bindFlag(cmd, config.KeyDraftRetention, "draft-retention")
	bindFlag(cmd, config.KeyDraftSweepInterval, "draft-sweep-interval")
	bindFlag(cmd, config.KeyRedisURL, "redis-url")
	bindFlag(cmd, config.KeyRedisLockTTL, "redis-lock-ttl")
	bindFlag(cmd, config.KeyCORSOrigins, "cors-origins")
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

type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	dealRooms *dealroom.Service
	closers   []func() error
}

func (r *application) Close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		if err := r.closers[index](); err != nil {
			r.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

func buildApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &application{config: appConfig, logger: logger}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.db = db
	rt.closers = append(rt.closers, sqlDB.Close)

	var locker dealroom.ProjectLocker
	if appConfig.RedisURL != "" {
		redisLocker, err := locks.NewRedisLocker(appConfig.RedisURL, locks.RedisLockerConfig{
			TTL:    appConfig.RedisLockTTL,
			Logger: logger,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis publish lock: %w", err)
		}
		rt.closers = append(rt.closers, redisLocker.Close)
		locker = redisLocker
		logger.Info("using redis publish lock", zap.Duration("ttl", appConfig.RedisLockTTL))
	}

	dealRooms, err := dealroom.NewService(dealroom.ServiceConfig{
		Stores:         dealroom.NewGormStores(db),
		Locker:         locker,
		Clock:          time.Now,
		IDProvider:     dealroom.NewUUIDProvider(),
		Logger:         logger,
		DraftRetention: appConfig.DraftRetention,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.dealRooms = dealRooms
	return rt, nil
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildApplication()
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger
	appConfig := rt.config

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		UserResolver:     userService,
		DealRooms:        rt.dealRooms,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
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

	sweeper := dealroom.NewSweeper(rt.dealRooms, appConfig.DraftSweepInterval, logger)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(signalCtx)
	}()

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
		err := httpServer.Shutdown(shutdownCtx)
		<-sweeperDone
		return err
	case err := <-errCh:
		stop()
		<-sweeperDone
		return err
	}
}

func runCleanup(ctx context.Context, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildApplication()
	if err != nil {
		return err
	}
	defer rt.Close()

	removed, err := dealroom.NewSweeper(rt.dealRooms, rt.config.DraftSweepInterval, rt.logger).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired drafts\n", removed)
	return nil
}
