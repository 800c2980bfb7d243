package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/appointments"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/server"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/tenants"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "time/tzdata"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vetsync-api",
		Short: "Veterinary clinic appointment sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWatchCommand(), newTokenCommand(), newTenantCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file (ignored when missing)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	cmd.Flags().Duration("batch-window", defaults.GetDuration("realtime.batch_window"), "Update batching window")
	cmd.Flags().Duration("heartbeat-interval", defaults.GetDuration("realtime.heartbeat_interval"), "Server heartbeat interval")

	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(cmd.PersistentFlags().Lookup("signing-secret"), "auth.signing_secret")
	bindFlag(cmd.PersistentFlags().Lookup("database-driver"), "database.driver")
	bindFlag(cmd.PersistentFlags().Lookup("database-dsn"), "database.dsn")
	bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
	bindFlag(cmd.Flags().Lookup("allowed-origins"), "http.allowed_origins")
	bindFlag(cmd.Flags().Lookup("batch-window"), "realtime.batch_window")
	bindFlag(cmd.Flags().Lookup("heartbeat-interval"), "realtime.heartbeat_interval")
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tenantService, err := tenants.NewService(tenants.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := realtime.NewMetrics(registry)
	if err != nil {
		return err
	}

	defaultLocation, err := appConfig.Realtime.Location()
	if err != nil {
		return err
	}

	var appointmentService *appointments.Service
	source := realtime.AppointmentSourceFunc(func(ctx context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error) {
		return appointmentService.ListByDate(ctx, tenantID, date)
	})
	hub, err := realtime.NewHub(realtime.HubConfig{
		Authorizer:        tenantService,
		Source:            source,
		Timezones:         tenantService,
		DefaultLocation:   defaultLocation,
		BatchWindow:       appConfig.Realtime.BatchWindow,
		BatchMaxEvents:    appConfig.Realtime.BatchMaxEvents,
		HeartbeatInterval: appConfig.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  appConfig.Realtime.HeartbeatTimeout,
		DateDebounce:      appConfig.Realtime.DateDebounce,
		SendBuffer:        appConfig.Realtime.SendBuffer,
		InboundRate:       appConfig.Realtime.InboundRate,
		InboundBurst:      appConfig.Realtime.InboundBurst,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	appointmentService, err = appointments.NewService(appointments.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: appointments.NewUUIDProvider(),
		Sink:       hub,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Appointments:     appointmentService,
		Authorizer:       tenantService,
		Hub:              hub,
		Metrics:          registry,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return hub.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
