package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func RootCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kmsd",
		Short: "kmsd - KMS activation server emulator",
		// Silence because we want to use our logger instead
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolP("help", "h", false,
		"Help information about a command")

	cmd.AddCommand(serveCmd(ctx))
	cmd.AddCommand(clientCmd(ctx))
	cmd.AddCommand(catalogCmd())

	cmd.InitDefaultHelpCmd()

	return cmd
}
