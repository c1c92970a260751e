package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birdhub/birdhub/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Current().String())
			return nil
		},
	}
}
