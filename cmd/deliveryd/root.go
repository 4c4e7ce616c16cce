package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "deliveryd",
		Short:         "Durable telemetry event queue and delivery daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env", ".env.local"}, "env files to load before reading the environment")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newEnqueueCmd(flags))
	cmd.AddCommand(newStatsCmd(flags))
	cmd.AddCommand(newFlushCmd(flags))
	cmd.AddCommand(newPurgeCmd(flags))
	cmd.AddCommand(newEraseCmd(flags))
	cmd.AddCommand(newMigrateCmd(flags))
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
