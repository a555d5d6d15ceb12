package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xmdhs/kmsd/client"
	"github.com/xmdhs/kmsd/logger"
)

func clientCmd(ctx context.Context) *cobra.Command {
	cfg := client.DefaultConfig()
	var (
		list     bool
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Send one activation request to a KMS server.",
		Example:      "kmsd client --ip 192.0.2.10 --mode Office2019",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list || cfg.Mode == "list" {
				fmt.Fprintln(out, "Available product modes:")
				for _, name := range client.ProductNames() {
					fmt.Fprintf(out, "  %s\n", name)
				}
				return nil
			}

			logger.Init(logLevel)
			res, err := client.Run(ctx, cfg)
			if err != nil {
				return err
			}
			client.Print(out, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.IP, "ip", cfg.IP, "KMS server IP address")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "KMS server port")
	cmd.Flags().StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "Product mode, see --list")
	cmd.Flags().StringVarP(&cfg.CMID, "cmid", "c", cfg.CMID, "Client machine ID (random if empty)")
	cmd.Flags().StringVarP(&cfg.Machine, "name", "n", cfg.Machine, "Machine name (random if empty)")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Time allowed for the whole exchange")
	cmd.Flags().BoolVar(&list, "list", false, "List the product modes and exit")
	cmd.Flags().StringVarP(&logLevel, "loglevel", "V", "warn", "Log level: debug, info, warn or error")

	return cmd
}
