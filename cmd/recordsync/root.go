package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: slog.Default()}

	rootCmd := &cobra.Command{
		Use:           "recordsync",
		Short:         "Serve an in-memory record table and push records to duplex clients",
		Long:          "recordsync runs a small HTTP service holding a table of records, with a websocket channel that pushes broadcast records to every connected client. The client commands talk to a running service.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "optional config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newPingCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newSubmitCmd(a),
		newDeleteCmd(a),
		newBroadcastCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}
