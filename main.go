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
	"golang.org/x/sync/errgroup"

	"bitvavoflow/config"
	"bitvavoflow/internal/channel"
	"bitvavoflow/internal/metrics"
	"bitvavoflow/logger"
	"bitvavoflow/processor"
	"bitvavoflow/reader/bitvavo"
	"bitvavoflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bitvavoflow.Name,
		"version": cfg.Bitvavoflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting bitvavoflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.WithFields(logger.Fields{"listen": cfg.Metrics.Listen}).Info("serving prometheus metrics")
			return metrics.Serve(gctx, cfg.Metrics.Listen)
		})
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.ProcessedBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx)

	reader := bitvavo.Bitvavo_NewReader(cfg, channels.BBO, channels.Trade)
	quoteProcessor := processor.NewQuoteProcessor(cfg, channels.BBO)
	tradeProcessor := processor.NewTradeProcessor(cfg, channels.Trade)

	var quoteWriter *writer.QuoteWriter
	var tradeWriter *writer.TradeWriter
	if cfg.Storage.S3.Enabled {
		quoteWriter, err = writer.NewQuoteWriter(cfg, channels.BBO.Norm)
		if err != nil {
			log.WithError(err).Error("failed to create quote writer")
			os.Exit(1)
		}
		tradeWriter, err = writer.NewTradeWriter(cfg, channels.Trade.Norm)
		if err != nil {
			log.WithError(err).Error("failed to create trade writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping writers")
	}

	if quoteWriter != nil {
		if err := quoteWriter.Start(gctx); err != nil {
			log.WithError(err).Warn("quote writer failed to start")
		}
	}
	if tradeWriter != nil {
		if err := tradeWriter.Start(gctx); err != nil {
			log.WithError(err).Warn("trade writer failed to start")
		}
	}
	if err := quoteProcessor.Start(gctx); err != nil {
		log.WithError(err).Warn("quote processor failed to start")
	}
	if err := tradeProcessor.Start(gctx); err != nil {
		log.WithError(err).Warn("trade processor failed to start")
	}
	if err := reader.Bitvavo_Start(gctx); err != nil {
		log.WithError(err).Error("bitvavo reader failed to start")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.Warn("background task failed, shutting down")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping bitvavo reader")
		reader.Bitvavo_Stop()

		log.Info("stopping processors")
		quoteProcessor.Stop()
		tradeProcessor.Stop()

		if quoteWriter != nil {
			log.Info("stopping quote writer")
			quoteWriter.Stop()
		}
		if tradeWriter != nil {
			log.Info("stopping trade writer")
			tradeWriter.Stop()
		}

		if err := g.Wait(); err != nil {
			log.WithError(err).Warn("background task exited with error")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bitvavoflow stopped")
}
