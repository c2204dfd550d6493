package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/migration"
)

var migratePolicy string

var migrateCmd = &cobra.Command{
	Use:   "migrate <from-dir> <to-dir>",
	Short: "Relate one artifact directory to another under a migration policy",
	Args:  cobra.ExactArgs(2),
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migratePolicy, "policy", "alias", "migration policy: alias, move, or copy")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	fromDir := layout.New(args[0])
	toDir := layout.New(args[1])

	policy := migration.Policy(migratePolicy)
	fromEP := endpointOf(fromDir)
	toEP := endpointOf(toDir)

	rec, err := migration.Migrate(fromDir, toDir, fromEP, toEP, policy, migration.Options{Origin: "kilnctl"})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrated %s -> %s (%s, policy %s)\n", fromDir.Path(), toDir.Path(), rec.Kind, rec.Policy)
	return nil
}

// endpointOf derives a migration.Endpoint from a raw directory path: the
// directory name is the hash, its parent's name is the namespace, and the
// grandparent is the root. A multi-segment namespace therefore ends up
// partly in Root, which still resolves back to the same directory. Good
// enough for operator-driven CLI use where the caller already knows the
// directory it is pointing at.
func endpointOf(d layout.Dir) migration.Endpoint {
	hash := filepath.Base(d.Path())
	namespaceDir := filepath.Dir(d.Path())
	root := filepath.Dir(namespaceDir)
	namespace := filepath.Base(namespaceDir)
	return migration.Endpoint{Namespace: namespace, Hash: hash, Root: root}
}
