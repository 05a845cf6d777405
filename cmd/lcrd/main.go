package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/api"
	"github.com/sorbentlab/lcrd/internal/config"
	"github.com/sorbentlab/lcrd/internal/dispatch"
	"github.com/sorbentlab/lcrd/internal/events"
	"github.com/sorbentlab/lcrd/internal/instrument"
	"github.com/sorbentlab/lcrd/internal/sequence"
	"github.com/sorbentlab/lcrd/internal/sinks"
	"github.com/sorbentlab/lcrd/internal/storage"
	"github.com/sorbentlab/lcrd/internal/telemetry"
)

const appVersion = "1.0.0"

func main() {
	cfg := config.Load()

	httpAddr := flag.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	resource := flag.String("resource", cfg.Resource, "instrument VISA resource string")
	journalPath := flag.String("journal", cfg.JournalPath, "measurement journal path")
	flag.Parse()
	cfg.HTTPAddr = *httpAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.Resource = *resource
	cfg.JournalPath = *journalPath

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	shutdownTracing, err := telemetry.Setup(context.Background())
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	journal, err := storage.NewBadgerJournal(cfg.JournalPath)
	if err != nil {
		logger.Fatal("failed to open measurement journal", zap.Error(err))
	}
	defer journal.Close()

	meter, err := instrument.New(cfg.Resource, cfg.InstrumentTimeout, logger)
	if err != nil {
		logger.Fatal("instrument setup failed", zap.Error(err))
	}
	defer meter.Close()

	var (
		wiredSinks []sinks.Sink
		samples    api.SampleDirectory
	)
	if cfg.DatabaseDSN != "" {
		pg, err := sinks.NewPostgresSink(context.Background(), cfg.DatabaseDSN, appVersion, logger)
		if err != nil {
			logger.Fatal("database sink setup failed", zap.Error(err))
		}
		defer pg.Close()
		wiredSinks = append(wiredSinks, pg)
		samples = pg
	}
	if cfg.SheetsSpreadsheetID != "" {
		sheet, err := sinks.NewSheetsSink(sinks.SheetsConfig{
			SpreadsheetID: cfg.SheetsSpreadsheetID,
			Range:         cfg.SheetsRange,
			AccessToken:   cfg.SheetsAccessToken,
		}, logger)
		if err != nil {
			logger.Fatal("sheets sink setup failed", zap.Error(err))
		}
		wiredSinks = append(wiredSinks, sheet)
	}
	if cfg.NotionToken != "" {
		notion, err := sinks.NewNotionSink(sinks.NotionConfig{
			Token:      cfg.NotionToken,
			DatabaseID: cfg.NotionDatabaseID,
		}, logger)
		if err != nil {
			logger.Fatal("notion sink setup failed", zap.Error(err))
		}
		wiredSinks = append(wiredSinks, notion)
	}

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("nats setup failed", zap.Error(err))
		}
		defer publisher.Close()
	}

	dispatcher := dispatch.New(logger, wiredSinks...)
	var ev sequence.Events
	if publisher != nil {
		ev = publisher
	}
	runner := sequence.NewRunner(meter, journal, dispatcher, ev, cfg.Thresholds, sequence.Defaults{
		FrequencyHz: cfg.FrequencyHz,
		VoltageV:    cfg.VoltageV,
		Timeout:     cfg.InstrumentTimeout,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHTTPHandler(runner, samples, logger),
	}
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		mux := http.NewServeMux()
		api.RegisterMetrics(mux)
		metricsServer.Handler = mux
		logger.Info("Prometheus metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
