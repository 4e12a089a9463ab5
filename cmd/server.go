package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/spf13/cobra"

	"github.com/example/zoombot/internal/bot"
	"github.com/example/zoombot/internal/config"
	"github.com/example/zoombot/internal/db"
	"github.com/example/zoombot/internal/meetings"
	"github.com/example/zoombot/internal/migrate"
	"github.com/example/zoombot/internal/notify"
	"github.com/example/zoombot/internal/web"
	"github.com/example/zoombot/internal/zoom"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp  bool
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the webhook server + notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			loc := cfg.Location()
			meetingRepo := meetings.NewRepo(d)
			queue := notify.NewQueue(d, loc)
			zoomClient := zoom.New(zoom.Credentials{
				AccountID:    cfg.ZoomAccountID,
				ClientID:     cfg.ZoomClientID,
				ClientSecret: cfg.ZoomClientSecret,
			}, cfg.Timezone)

			lineClient, err := messaging_api.NewMessagingApiAPI(cfg.LineChannelAccessToken)
			if err != nil {
				return fmt.Errorf("line client: %w", err)
			}

			// notification dispatcher
			dispatcher := notify.NewDispatcher(d, cfg.NotifierURL, logger)
			go func() {
				if err := dispatcher.Run(ctx, cfg.DispatchSchedule); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("notify: dispatcher stopped", "err", err)
				}
			}()

			// webhook
			ws := &web.Server{
				Bot:           bot.New(meetingRepo, queue, zoomClient, loc, nil),
				Client:        lineClient,
				ChannelSecret: cfg.LineChannelSecret,
				Logger:        logger,
			}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), logger)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file overlaying the environment")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
