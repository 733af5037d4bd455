package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:          "server",
		Short:        "Workflow execution orchestration for landing-page funnels",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ./config.yaml)")

	root.AddCommand(newServeCommand(), newMigrateCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
