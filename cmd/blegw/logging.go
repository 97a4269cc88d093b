package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iotworks/blegw/pkg/config"
)

// loadConfig reads the configuration file named by --config and applies the
// --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		if _, err := logrus.ParseLevel(levelStr); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
		cfg.LogLevel = levelStr
	}
	return cfg, nil
}
