package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/ehrlich-b/opclaw/internal/config"
	"github.com/ehrlich-b/opclaw/internal/dashboard"
	"github.com/ehrlich-b/opclaw/internal/logger"
	"github.com/ehrlich-b/opclaw/internal/store"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "opclaw",
		Short:         "opclaw: operator console for an OpenClaw gateway",
		Long:          "Connects to an OpenClaw gateway as a paired device and shows what the agent is doing.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevelFlag != "" {
				return logger.Init(logLevelFlag, "")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default: ~/.opclaw/config.yaml)")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		connectCmd(),
		serveCmd(),
		identityCmd(),
		tokenCmd(),
		loginCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config and sets up logging from it.
func loadConfig() (*config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if err := logger.Init(level, cfg.Logging.File); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// openStorage returns the identity/token storage for cfg and, for the sqlite
// backend, the activity log.
func openStorage(cfg *config.Config) (auth.Storage, dashboard.EventLog, io.Closer, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return auth.NewMemStorage(), nil, nopCloser{}, nil
	case config.BackendFile:
		return auth.NewFileStorage(cfg.Storage.Path), nil, nopCloser{}, nil
	default:
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open store: %w", err)
		}
		return st, st, st, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
