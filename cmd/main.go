package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
	"github.com/Oxygenesis/yb-kafka-sink/internal/pipeline"
	"github.com/Oxygenesis/yb-kafka-sink/internal/server"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit string = "unspecified"
	app    string = "unspecified"
)

type config struct {
	LogFormat    string     `default:"json" split_words:"true"`
	LogLevel     slog.Level `default:"info" split_words:"true"`
	LogAddSource bool       `default:"true" split_words:"true"`

	Server server.Config

	PipelineConfig       string        `required:"true" split_words:"true"`
	PipelineCloseTimeout time.Duration `default:"1m" split_words:"true"`
}

func main() {
	var cfg config
	err := envconfig.Process("sink", &cfg)
	if err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	//nolint: exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogAddSource,
	}

	var logHandler slog.Handler
	switch cfg.LogFormat {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stdout, logOpts)
	default:
		//nolint:exhaustruct // optional config
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:  cfg.LogAddSource,
			Level:      cfg.LogLevel,
			TimeFormat: time.Kitchen,
		})
	}

	log := slog.New(logHandler)

	log = log.With(
		slog.String("app", app),
		slog.String("commit_hash", commit),
		slog.String("goversion", runtime.Version()),
	)

	if err := mainErr(&cfg, log); err != nil {
		log.Error("Service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("Service terminated gracefully")
}

func mainErr(cfg *config, log *slog.Logger) error {
	loader, err := models.NewConfigLoader[pipeline.Config](cfg.PipelineConfig)
	if err != nil {
		return fmt.Errorf("failed to create config loader: %w", err)
	}

	pipelineCfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load pipeline config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Open(ctx, pipelineCfg, log)
	if err != nil {
		return fmt.Errorf("failed to open pipeline: %w", err)
	}

	apiServer := server.New(cfg.Server, log, p)

	// The server stops only after the pipeline has closed.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Run(serverCtx)
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		runErr := p.Run(gctx)
		if runErr == nil {
			log.Info("Received termination signal - service will shutdown")
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.PipelineCloseTimeout)
		defer cancel()

		var errs []error
		if runErr != nil {
			errs = append(errs, fmt.Errorf("pipeline stopped: %w", runErr))
		}
		if err := p.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close pipeline: %w", err))
		}
		stopServer()

		return errors.Join(errs...)
	})

	return g.Wait() //nolint:wrapcheck // errors are wrapped by the goroutines
}
