package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattmux/pkg/config"
)

// configureLogger creates a logger with the level chosen by --log-level, then --verbose,
// then the log_level of an explicit config file. Without any of them the CLI stays silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config, fromFile bool) (*logrus.Logger, error) {
	level := logrus.PanicLevel
	if fromFile {
		level = cfg.LogLevel
	}

	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr != "" {
		switch levelStr {
		case "debug":
			level = logrus.DebugLevel
		case "info":
			level = logrus.InfoLevel
		case "warn":
			level = logrus.WarnLevel
		case "error":
			level = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logrus.DebugLevel
	}

	withLevel := *cfg
	withLevel.LogLevel = level
	logger := withLevel.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
