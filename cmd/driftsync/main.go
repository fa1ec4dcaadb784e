package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/driftsync/pkg/reconcile"
	"github.com/TheEntropyCollective/driftsync/pkg/remote"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		initConfig = flag.Bool("init", false, "Write a default configuration file and exit")
		stateDir   = flag.String("state-dir", "", "Snapshot directory (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	)

	flag.Parse()

	if *initConfig {
		if *configFile == "" {
			fmt.Fprintf(os.Stderr, "-init requires -config\n")
			os.Exit(1)
		}
		if err := config.DefaultConfig().Save(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configFile)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	logger := logging.GetGlobalLogger().WithComponent("driftsync")

	if len(cfg.Roots) == 0 {
		fmt.Fprintf(os.Stderr, "No sync roots configured\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Without a production graph endpoint each root runs against its own
	// in-memory graph: a standalone mode that exercises the full engine and
	// leaves the remote side inspectable in tests and demos.
	group, ctx := errgroup.WithContext(ctx)
	for _, root := range cfg.Roots {
		graph := remote.NewMemGraph()
		root.RemoteRoot = uint64(graph.Root())

		engine, err := reconcile.NewEngine(reconcile.EngineOptions{
			Root:     root,
			Graph:    graph,
			Transfer: remote.NewGraphTransfer(graph),
			StateDir: cfg.StateDir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start sync root %s: %v\n", root.ID, err)
			os.Exit(1)
		}

		group.Go(func() error {
			err := engine.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("sync stopped", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("sync stopped")
}

func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = level
	if cfg.Logging.Format == "json" {
		logConfig.Format = logging.JSONFormat
	}
	if cfg.Logging.Output == "file" && cfg.Logging.File != "" {
		output, err := logging.CreateFileOutput(cfg.Logging.File)
		if err != nil {
			return err
		}
		logConfig.Output = output
	}

	logging.InitGlobalLogger(logConfig)
	return nil
}
