package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type watchOptions struct {
	url      string
	tenantID string
	userID   string
	token    string
	date     string
}

func newWatchCommand() *cobra.Command {
	options := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a tenant's appointments for a date over the sync channel",
		Long: "Connects to the sync endpoint, keeps a live view of one date and reconnects on failure.\n" +
			"Type a date (YYYY-MM-DD) on stdin to switch dates, or \"refresh\" to reload the current one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), options, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&options.url, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&options.tenantID, "tenant", "", "Tenant identifier")
	cmd.Flags().StringVar(&options.userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&options.token, "token", "", "Session token (defaults to $VETSYNC_TOKEN)")
	cmd.Flags().StringVar(&options.date, "date", "", "Date to follow (defaults to the clinic's today)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runWatch(ctx context.Context, options watchOptions, input io.Reader) error {
	if options.token == "" {
		options.token = os.Getenv("VETSYNC_TOKEN")
	}
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewConsoleLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dialer, err := syncclient.NewWebSocketDialer(syncclient.WebSocketConfig{
		BaseURL:  options.url,
		TenantID: options.tenantID,
		UserID:   options.userID,
		Token:    options.token,
	})
	if err != nil {
		return err
	}

	controller, err := syncclient.New(syncclient.Config{
		Dialer:            dialer,
		BaseDelay:         clientConfig.ReconnectBase,
		MaxAttempts:       clientConfig.ReconnectMaxAttempts,
		HeartbeatInterval: clientConfig.HeartbeatInterval,
		DateDebounce:      clientConfig.DateDebounce,
		Date:              options.date,
		Logger:            logger,
		OnStateChange: func(state syncclient.State) {
			logger.Info("connection state", zap.String("state", string(state)))
		},
		OnViewChange: func(view *syncclient.View) {
			logView(logger, view)
		},
	})
	if err != nil {
		return err
	}
	defer controller.Close() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readCommands(input, controller, logger)

	err = controller.Run(signalCtx)
	if errors.Is(err, syncclient.ErrReconnectExhausted) {
		logger.Error("giving up after repeated connection failures")
	}
	return err
}

func readCommands(input io.Reader, controller *syncclient.Controller, logger *zap.Logger) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "refresh":
			if err := controller.Refresh(); err != nil {
				logger.Warn("refresh failed", zap.Error(err))
			}
		default:
			if err := controller.SetDate(line); err != nil {
				logger.Warn("unrecognised command", zap.String("input", line), zap.Error(err))
			}
		}
	}
}

func logView(logger *zap.Logger, view *syncclient.View) {
	logger.Info("appointments",
		zap.String("date", view.Date()),
		zap.Int("count", view.Len()),
		zap.Int64("last_applied", view.LastAppliedTimestamp()))
	for _, record := range view.Records() {
		logger.Info("appointment",
			zap.String("id", record.ID),
			zap.String("start", record.StartTime),
			zap.String("pet", record.PetName),
			zap.String("client", record.ClientName),
			zap.String("status", record.Status))
	}
}
