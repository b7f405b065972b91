package cli

import (
	"github.com/spf13/cobra"
)

// Set by main from build flags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"name":    "scorectl",
			"version": Version,
			"commit":  Commit,
		})
	},
}
