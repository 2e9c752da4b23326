package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/EpicMandM/lab-session-manager/internal/app"
	"github.com/EpicMandM/lab-session-manager/internal/config"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/spf13/pflag"
)

type options struct {
	envFile    string
	labConfig  string
	listenAddr string
}

func main() {
	log := logger.New()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Error("Invalid arguments", logger.Error(err))
		os.Exit(2)
	}

	if err := run(opts, log); err != nil {
		log.Error("Application error", logger.Error(err))
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("lab-session-manager", pflag.ContinueOnError)
	flags.StringVar(&opts.envFile, "env-file", getEnvOrDefault("ENV_FILE", ".env"), "optional .env file with infrastructure settings")
	flags.StringVar(&opts.labConfig, "config", "", "lab definitions file (TOML or YAML), overrides LAB_CONFIG_PATH")
	flags.StringVar(&opts.listenAddr, "listen", "", "HTTP listen address, overrides LISTEN_ADDR")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(opts options, log *logger.Logger) error {
	cfg, err := config.LoadWithFile(opts.envFile)
	if err != nil {
		log.Error("Failed to load infrastructure config", logger.Error(err), logger.F("path", opts.envFile))
		return err
	}
	applyOverrides(cfg, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, log)
	if err := application.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := application.Close(context.Background()); err != nil {
			log.Error("Failed to close application", logger.Error(err))
		}
	}()

	return application.Run(ctx)
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.labConfig != "" {
		cfg.LabConfigPath = opts.labConfig
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
