package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "polwatchctl",
		Short:         "Operate the polwatch collection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&ctx.migrate, "migrate", false, "Apply pending database migrations first")
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&ctx.json, "json", false, "Print results as JSON")

	rootCmd.AddCommand(newCollectCommand(ctx))
	rootCmd.AddCommand(newCollectAllCommand(ctx))
	rootCmd.AddCommand(newBacklogCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newRequeueFailedCommand(ctx))

	return rootCmd
}
