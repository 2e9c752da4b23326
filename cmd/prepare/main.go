// Command prepare builds or pulls every lab image and creates the
// networks and named volumes the lab definitions refer to. Run it once
// after changing the lab configuration, before starting the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EpicMandM/lab-session-manager/internal/containers"
	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/spf13/pflag"
)

func main() {
	log := logger.New()

	configPath := pflag.String("config", getEnvOrDefault("LAB_CONFIG_PATH", "./data/labs.toml"), "lab definitions file (TOML or YAML)")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, log); err != nil {
		log.Error("Preparation failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, log *logger.Logger) error {
	registry, err := labs.Load(configPath)
	if err != nil {
		return err
	}

	docker, err := containers.NewDocker(log)
	if err != nil {
		return err
	}
	defer func() {
		_ = docker.Close()
	}()
	if err := docker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	results, err := prepare(ctx, docker, registry, log)
	if perr := printResults(os.Stdout, results); perr != nil {
		log.Warn("Failed to print summary", logger.Error(perr))
	}
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
