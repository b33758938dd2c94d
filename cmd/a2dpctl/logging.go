package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/a2dpd/pkg/config"
)

// configureLogger creates a logger with the appropriate log level based on flags.
// Precedence: --log-level, then --verbose, then log_level from an explicit
// --config file. Without any of them the logger is silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config, fromFile bool) (*logrus.Logger, error) {
	// Default to panic level (essentially silent for normal operations)
	logLevel := logrus.PanicLevel

	// Check --log-level first (takes precedence)
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")
	switch {
	case logLevelStr != "":
		parsed, err := (&config.Config{LogLevel: logLevelStr}).Level()
		if err != nil {
			return nil, err
		}
		logLevel = parsed
	case verbose:
		logLevel = logrus.DebugLevel
	case fromFile && cfg != nil:
		parsed, err := cfg.Level()
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		logLevel = parsed
	}

	// Create logger with configured level
	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

// loadConfig reads --config when given, otherwise returns the defaults.
// The boolean reports whether a file was read.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// setup loads the configuration and builds the logger for a command.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
