package cli

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/xmdhs/kmsd/catalog"
)

func catalogCmd() *cobra.Command {
	var (
		path string
		skus bool
	)

	cmd := &cobra.Command{
		Use:          "catalog",
		Short:        "List the products known to the server.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Load(afero.NewOsFs(), path)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), c, skus)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "catalog", "", "Path to a KmsDataBase.xml (the embedded one if empty)")
	cmd.Flags().BoolVar(&skus, "skus", false, "Also list the SKUs of every KMS item")

	return cmd
}

func printCatalog(w io.Writer, c *catalog.Catalog, skus bool) {
	for _, app := range c.Apps {
		fmt.Fprintf(w, "%s  %s\n", app.ID, app.DisplayName)
		for _, item := range app.KmsItems {
			fmt.Fprintf(w, "  %s  %s (%d clients, protocol %s)\n",
				item.ID, item.DisplayName, item.NCountPolicy, item.DefaultKmsProtocol)
			if !skus {
				continue
			}
			for _, sku := range item.Skus {
				fmt.Fprintf(w, "    %s  %s\n", sku.ID, sku.DisplayName)
			}
		}
	}
	fmt.Fprintf(w, "%d host builds, %d CSVLKs\n", len(c.WinBuilds), len(c.Csvlks))
}
