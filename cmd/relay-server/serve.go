package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/api"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/catalog"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/relay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/webrtc"
)

var (
	configFile string
	verbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [output_dir]",
	Short: "Run the relay server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&configFile, "config", "", "dotenv config file (default .env, then ../.env)")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	config.RegisterFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.OutputDir = args[0]
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if verbose {
		level = logger.DEBUG
	}
	logger.Init(level, os.Stderr, logger.Options{Color: cfg.LogColor, JSON: cfg.LogJSON})

	logger.Info("Main", "Relay server starting...")
	if cfg.Source != "" {
		logger.Info("Main", "Loaded config from %s", cfg.Source)
	}
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.Open(cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer cat.Close()
		logger.Info("Main", "Recording catalog at %s", cfg.CatalogPath)
	}

	m := metrics.New()
	relayOpts := relay.Options{
		Session: session.Config{
			IdleTimeout:   cfg.IdleTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			MaxFrameSize:  cfg.MaxFrameSize,
			DefaultFormat: cfg.DefaultFormat(),
		},
		DisplayQueue:    cfg.DisplayQueue,
		RecordingFormat: cfg.RecordingFormat,
		Metrics:         m,
	}
	if cat != nil {
		relayOpts.Catalog = cat
	}
	srv := relay.NewServer(relayOpts)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, cfg.ServerAddress, cfg.ServerPort, cfg.OutputDir); err != nil {
		return err
	}

	rtc := webrtc.NewServer(webrtc.Options{StunServers: cfg.StunServers},
		srv.Registry(), srv.Broadcaster(), session.NewID)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddress != "" {
		apiOpts := api.Options{
			Registry:     srv.Registry(),
			Broadcaster:  srv.Broadcaster(),
			Metrics:      m,
			NewID:        session.NewID,
			WebRTC:       rtc,
			WriteTimeout: cfg.WriteTimeout,
		}
		if cat != nil {
			apiOpts.Catalog = cat
		}
		g.Go(func() error {
			return api.NewServer(apiOpts).ListenAndServe(gctx, cfg.HTTPAddress, cfg.ShutdownTimeout)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = rtc.Close()
		return srv.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Main", "Stopped with error: %v", err)
		return err
	}
	logger.Info("Main", "Server stopped")
	return nil
}
