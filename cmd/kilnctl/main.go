// Command kilnctl is a thin inspection and repair CLI over the coordination
// core, grounded on the teacher's cmd/bd: one var-declared *cobra.Command
// per subcommand, each registered on rootCmd from its own init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/config"
	"github.com/kilnforge/kiln/internal/klog"
)

var rootCmd = &cobra.Command{
	Use:   "kilnctl",
	Short: "Inspect and repair kiln coordination directories",
	Long: `kilnctl operates directly on the .kiln coordination layer under an
artifact directory: it never computes a payload itself (that is the calling
program's job via the kiln package), only reads, reconciles, migrates, and
unsticks state.json/the compute lock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		klog.Configure(config.GetString("log.file"), config.GetInt("log.max-size-mb"), config.GetInt("log.max-backups"))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kilnctl: %v\n", err)
		os.Exit(1)
	}
}
