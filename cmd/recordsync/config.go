package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

const envPrefix = "RECORDSYNC"

// configKeys are the flags that may also come from the environment or the config file.
var configKeys = []string{
	"config", "log-level",
	"host", "port", "seed", "broadcast-mutations", "log-capacity", "shutdown-timeout",
	"snapshot-path", "snapshot-interval",
	"server", "timeout", "reconnect",
}

// load binds the flags of the running command, reads the optional config file and sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	flags := cmd.Flags()
	for _, key := range configKeys {
		flag := flags.Lookup(key)
		if flag == nil {
			continue
		}
		if err := a.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}

	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}
