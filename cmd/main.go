package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/servereye/internal/api"
	"github.com/servereye/internal/config"
	"github.com/servereye/internal/crypto"
	"github.com/servereye/internal/database"
	"github.com/servereye/internal/dockerctl"
	"github.com/servereye/internal/metricscache"
	"github.com/servereye/internal/models"
	"github.com/servereye/internal/monitor"
	"github.com/servereye/internal/notify"
	"github.com/servereye/internal/sshpool"
	"github.com/servereye/internal/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "servereye",
	Short: "ServerEye - remote host and container monitoring",
	Long: `ServerEye monitors a fleet of remote hosts over SSH, watches their
Docker containers and services, raises alerts on resource thresholds and
delivers them over email, Slack and webhooks.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close(db)

	vault, err := crypto.NewVault(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	pool := sshpool.New(db, vault, log, sshpool.Options{
		MaxSessions:    cfg.SSH.MaxSessions,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
		IdleTimeout:    cfg.SSH.IdleTimeout,
		ReaperInterval: cfg.SSH.ReaperInterval,
	})
	defer pool.Close()

	docker := dockerctl.New(db, log, cfg.Docker.Timeout)
	defer docker.CloseAll()

	cache := metricscache.New(0, cfg.Monitoring.HistorySize)
	defer cache.Close()

	hub := stream.NewHub(log)

	pipeline := notify.NewPipeline(db, log, buildChannels(cfg), notify.Options{})
	defer pipeline.Shutdown()

	engine := monitor.NewEngine(db, pool, docker, cache, hub, pipeline, log, monitor.Config{
		DefaultInterval: cfg.Monitoring.DefaultInterval,
		MinInterval:     cfg.Monitoring.MinInterval,
		MaxInterval:     cfg.Monitoring.MaxInterval,
		SweepInterval:   cfg.Monitoring.SweepInterval,
		RetentionDays:   cfg.Monitoring.RetentionDays,
		AlertChannels:   cfg.Alert.Channels,
	})
	engine.Start()
	defer engine.Shutdown()

	resumeMonitoring(db, engine, cfg, log)

	server := api.NewServer(engine, pool, pipeline, cache, hub, log)
	go func() {
		if err := server.Run(cfg.Server.ListenAddr); err != nil {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	log.Info("servereye started",
		zap.String("database", cfg.Database.Path),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Int("max_sessions", cfg.SSH.MaxSessions))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("api server shutdown failed", zap.Error(err))
	}
	return nil
}

// buildChannels constructs only the channels the config actually fills in;
// alerts addressed to the rest are skipped by the pipeline.
func buildChannels(cfg *config.Config) []notify.Channel {
	var channels []notify.Channel
	if cfg.Alert.Email.SMTPHost != "" {
		channels = append(channels, notify.NewEmailChannel(
			cfg.Alert.Email.SMTPHost,
			cfg.Alert.Email.SMTPPort,
			cfg.Alert.Email.From,
			cfg.Alert.Email.Password,
			cfg.Alert.Email.ToReceivers,
		))
	}
	if cfg.Alert.Slack.WebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.Alert.Slack.WebhookURL))
	}
	if cfg.Alert.Webhook.URL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Alert.Webhook.URL))
	}
	return channels
}

// resumeMonitoring restores recurring collection for every known target and
// health checks for every service that has a URL, so a restart picks up
// where it left off.
func resumeMonitoring(db *gorm.DB, engine *monitor.Engine, cfg *config.Config, log *zap.Logger) {
	var targets []models.Target
	if err := db.Find(&targets).Error; err != nil {
		log.Warn("failed to list targets for resume", zap.Error(err))
	}
	for _, target := range targets {
		engine.StartMonitoring(target.ID, cfg.Monitoring.DefaultInterval)
	}

	var services []models.Service
	if err := db.Where("health_check_url <> ''").Find(&services).Error; err != nil {
		log.Warn("failed to list services for resume", zap.Error(err))
	}
	for _, service := range services {
		engine.StartHealthCheck(service.ID, monitor.HealthCheckConfig{
			URL: service.HealthCheckURL,
		})
	}

	if len(targets) > 0 || len(services) > 0 {
		log.Info("resumed monitoring",
			zap.Int("targets", len(targets)),
			zap.Int("services", len(services)))
	}
}
