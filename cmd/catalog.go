package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/scanline/internal/utils"
)

var catalogFormat string

var catalogCmd = &cobra.Command{
	Use:         "catalog",
	Short:       "Manage the codes a scan can resolve",
	Annotations: map[string]string{dbAnnotation: "required"},
}

var catalogAddCmd = &cobra.Command{
	Use:   "add <code> <name>",
	Short: "Register a code, or rename an existing one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := DB.Upsert(cmd.Context(), args[0], args[1], catalogFormat); err != nil {
			utils.ShowError("Failed to add catalog item", err, nil)
			return err
		}
		fmt.Printf("✅ %s registered as '%s'\n", args[0], args[1])
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all catalog items",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		items, err := DB.List(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list catalog", err, nil)
			return err
		}

		if len(items) == 0 {
			fmt.Println("No codes found in catalog.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CODE\tNAME\tFORMAT\tUPDATED")
		fmt.Fprintln(w, "----\t----\t------\t-------")
		for _, it := range items {
			format := it.Format
			if format == "" {
				format = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.Code, it.Name, format, it.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var catalogRemoveCmd = &cobra.Command{
	Use:   "remove <code>",
	Short: "Remove a code from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		removed, err := DB.Remove(cmd.Context(), args[0])
		if err != nil {
			utils.ShowError("Failed to remove catalog item", err, nil)
			return err
		}
		if !removed {
			fmt.Printf("❔ %s was not in the catalog\n", args[0])
			return nil
		}
		fmt.Printf("🗑️  %s removed\n", args[0])
		return nil
	},
}

func init() {
	catalogAddCmd.Flags().StringVar(&catalogFormat, "format", "", "Symbology of the code, e.g. QR_CODE or EAN_13")
	catalogCmd.AddCommand(catalogAddCmd, catalogListCmd, catalogRemoveCmd)
	rootCmd.AddCommand(catalogCmd)
}
