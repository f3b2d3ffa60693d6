package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "fillwatch/config"
	"fillwatch/internal/channel"
	"fillwatch/internal/poller"
	"fillwatch/internal/state"
	"fillwatch/logger"
	"fillwatch/monitor"
	"fillwatch/notifier"
	"fillwatch/reader/binance"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", appconfig.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Fillwatch.Name,
		"version": cfg.Fillwatch.Version,
	}).Info("starting fillwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.FillBuffer, cfg.Channels.NotifyBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	store := state.NewFileStore(cfg.State.Path)
	client := binance.NewFuturesClient(cfg)
	history := binance.NewHistory(cfg, client)

	heartbeats := make(chan time.Time, 16)

	var stream monitor.FillStream
	if cfg.Stream.Enabled {
		stream = binance.NewStream(cfg, channels, heartbeats, client)
	} else {
		log.WithComponent("main").Info("stream disabled; relying on poller only")
	}

	var backup monitor.Source
	if cfg.Poller.Enabled {
		backup = poller.New(cfg, history, channels)
	} else {
		log.WithComponent("main").Info("backup poller disabled")
	}

	sender := notifier.NewTelegramSender(cfg.Telegram, cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst)
	dispatcher := notifier.NewDispatcher(cfg, channels.Accepted, sender)

	mon := monitor.New(cfg, store, channels, stream, backup, history, dispatcher, heartbeats)
	if err := mon.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start monitor")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()
	mon.Stop()

	log.Info("fillwatch stopped")
}
