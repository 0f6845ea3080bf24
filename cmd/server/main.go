package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/rnp-monitoreo/backend/internal/api"
	"github.com/rnp-monitoreo/backend/internal/config"
	"github.com/rnp-monitoreo/backend/internal/hub"
	"github.com/rnp-monitoreo/backend/internal/logging"
	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/mqtt"
	"github.com/rnp-monitoreo/backend/internal/parser"
	"github.com/rnp-monitoreo/backend/internal/reconciler"
	"github.com/rnp-monitoreo/backend/internal/session"
	"github.com/rnp-monitoreo/backend/internal/storage"
	"github.com/rnp-monitoreo/backend/internal/web"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "rnp-monitor",
		Short:        "Machine state ingestion and live status server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				// Default to a config next to the executable
				exePath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("get executable path: %w", err)
				}
				configPath = filepath.Join(filepath.Dir(exePath), "RNPMonitor.config")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the XML config (created with defaults if missing)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rnp-monitor %s (built %s)\n", Version, BuildTime)
		},
	})
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger := logging.NewWithWriter(os.Stdout, cfg.Advanced.LogFormat, logging.ParseLevel(cfg.Advanced.LogLevel))
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.GetDatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	table, err := config.LoadMachineTable(cfg.Advanced.MachinesFile)
	if err != nil {
		return fmt.Errorf("load machine table: %w", err)
	}
	for _, mc := range table.Machines {
		if _, err := store.EnsureMachine(ctx, models.Machine{ID: mc.ID, Name: mc.Name, URL: mc.URL, CreatedAt: time.Now()}); err != nil {
			return fmt.Errorf("register machine %d: %w", mc.ID, err)
		}
	}

	maps := parser.NewSignalMaps(table)
	normalizer := parser.NewNormalizer(parser.NewRegistry(), maps, nil)
	liveHub := hub.New(cfg.Advanced.SubscriberBuffer, logger.With("component", "hub"))
	rec := reconciler.New(store, liveHub, logger.With("component", "reconciler"))

	var stats []api.StatsSource
	if cfg.MQTT.Enabled {
		bridge, err := startMQTTBridge(ctx, cfg, logger)
		if err != nil {
			logger.Error("mqtt bridge disabled", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			liveHub.AddSink(bridge)
			stats = append(stats, bridge)
		}
	}

	linkOpts := session.LinkOptions{
		Backoff: session.Backoff{
			Initial:     cfg.InitialDelay(),
			Max:         cfg.MaxDelay(),
			Multiplier:  cfg.Links.Multiplier,
			MaxAttempts: cfg.Links.MaxAttempts,
		},
		PingInterval: cfg.PingInterval(),
		PongTimeout:  cfg.PongTimeout(),
		Logger:       logger.With("component", "links"),
		OnStatus: func(info models.LinkInfo) {
			liveHub.Publish(info.MachineID, models.LiveMessage{
				Type: models.MsgTypeConnection,
				Data: models.ConnectionUpdate{
					MachineID: info.MachineID,
					SessionID: info.SessionID,
					Status:    info.Status,
					Label:     info.Label,
					Attempt:   info.ReconnectAttempt,
					Error:     info.LastError,
				},
			})
		},
	}
	deliver := func(ctx context.Context, snap models.SignalSnapshot) {
		if _, err := store.EnsureMachine(ctx, models.Machine{ID: snap.MachineID, CreatedAt: snap.Timestamp}); err != nil {
			logger.Error("register machine", "machine_id", snap.MachineID, "err", err)
		}
		rec.Reconcile(ctx, snap)
	}
	links := session.NewManager(session.NewWebSocketDialer(cfg.HandshakeTimeout()), normalizer, deliver, linkOpts)
	defer links.StopAll()

	machines, err := store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	for _, m := range machines {
		if m.URL == "" {
			continue
		}
		if err := links.Start(ctx, m.ID, m.URL); err != nil {
			logger.Warn("device link not started", "machine_id", m.ID, "err", err)
		}
	}

	if cfg.Advanced.WatchMachinesFile && cfg.Advanced.MachinesFile != "" {
		go func() {
			err := config.WatchMachineTable(ctx, cfg.Advanced.MachinesFile, func(t *models.MachineTable) {
				maps.Load(t)
				logger.Info("signal mappings reloaded", "machines", len(t.Machines))
			}, logger)
			if err != nil {
				logger.Error("machine table watcher stopped", "err", err)
			}
		}()
	}

	handlers := api.NewHandlers(api.Dependencies{
		Store:       store,
		Reconciler:  rec,
		Normalizer:  normalizer,
		Links:       links,
		Hub:         liveHub,
		Stats:       stats,
		Logger:      logger.With("component", "api"),
		Version:     Version,
		BaseContext: ctx,
	}, cfg.Storage.Driver)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, cfg, logger.With("component", "http"))
	api.RegisterRoutes(e, handlers)

	embeddedMode := web.HasEmbeddedFiles()
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", "err", err)
		}
	}

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, len(machines), embeddedMode)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func startMQTTBridge(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*mqtt.Bridge, error) {
	pub, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID)
	if err != nil {
		return nil, err
	}
	bridge := mqtt.NewBridge(pub, cfg.MQTT.TopicPrefix, cfg.MQTT.QueueLength, logger.With("component", "mqtt"))
	go func() {
		bridge.Run(ctx)
		pub.Close()
	}()
	logger.Info("mqtt bridge started", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	return bridge, nil
}

func printBanner(cfg *config.AppConfig, configPath string, machines int, embedded bool) {
	board := "off"
	if embedded {
		board = "embedded"
	}
	mqttState := "off"
	if cfg.MQTT.Enabled {
		mqttState = cfg.MQTT.Broker
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           RNP Machine Monitor                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Board:      %-45s║\n", board)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Storage:   %-46s║\n", cfg.Storage.Driver+" "+cfg.GetDatabasePath())
	fmt.Printf("║  Machines:  %-46d║\n", machines)
	fmt.Printf("║  MQTT:      %-46s║\n", mqttState)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
