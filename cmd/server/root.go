package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammadhprp/admission/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "admission",
		Short:         "Merchant transaction admission control service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadDotEnv()
		},
	}

	root.AddCommand(newServeCmd(), newResetCmd())
	return root
}
