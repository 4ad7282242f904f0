package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
	"github.com/Oxygenesis/yb-kafka-sink/internal/pipeline"
)

const closeTimeout = time.Minute

func main() {
	configPath := flag.String("config", "", "Path to config file")
	debug := flag.Bool("d", false, "Enable debug logging")
	flag.Parse()

	logHandlerOpts := slog.HandlerOptions{} //nolint:exhaustruct // optional config
	if *debug {
		logHandlerOpts.Level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &logHandlerOpts))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalChan
		log.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	loader, err := models.NewConfigLoader[pipeline.Config](*configPath)
	if err != nil {
		log.Error("failed to create config loader: ", slog.Any("error", err))
		return
	}

	cfg, err := loader.Load()
	if err != nil {
		log.Error("failed to load config: ", slog.Any("error", err))
		return
	}

	p, err := pipeline.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open pipeline: ", slog.Any("error", err))
		return
	}

	runErr := p.Run(ctx)
	if runErr != nil {
		log.Error("failed to write records to Cassandra: ", slog.Any("error", runErr))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()

	if err := p.Close(closeCtx); err != nil {
		log.Error("failed wrap up: ", slog.Any("error", err))
		return
	}

	if runErr == nil {
		log.Info("Sink ETL finished")
	}
}
