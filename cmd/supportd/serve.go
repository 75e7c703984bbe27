package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/logger"
	"github.com/aeolun/supportline/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("debug", false, "enable debug logging")
	serveCmd.Flags().Int("port", 0, "public HTTP port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if port > 0 {
		cfg.Server.HTTPPort = port
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	server.SetLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := server.OpenStore(ctx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	users, err := cfg.SeedUsers()
	if err != nil {
		store.Close()
		return err
	}
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = server.SeedUsers(ctx, store, users)
	cancel()
	if err != nil {
		store.Close()
		return err
	}

	srv, err := server.NewServer(store, cfg.ToServerConfig())
	if err != nil {
		store.Close()
		return fmt.Errorf("create server: %w", err)
	}

	if cfg.Events.NATSURL != "" {
		pub, err := server.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			// Delivery does not depend on events
			log.Warn("message events disabled", zap.String("nats_url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			srv.SetPublisher(pub)
			log.Info("publishing message events", zap.String("nats_url", cfg.Events.NATSURL), zap.String("prefix", cfg.Events.SubjectPrefix))
		}
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}
	log.Info("supportd started",
		zap.String("version", version),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("auth", cfg.Auth.JWTSecret != ""))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", zap.String("signal", sig.String()))

	return srv.Stop()
}
