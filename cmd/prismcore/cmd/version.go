package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the prismcore version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if versionJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "{\"version\":%q}\n", version)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version as JSON")
	rootCmd.AddCommand(versionCmd)
}
