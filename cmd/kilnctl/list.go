package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/index"
)

var listRebuild bool

var listCmd = &cobra.Command{
	Use:   "list <root>",
	Short: "List every tracked artifact under root, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listRebuild, "rebuild", false, "force a full rebuild of the local index before listing")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	root := args[0]

	var (
		ix  *index.Index
		err error
	)
	if listRebuild {
		ix, err = index.Rebuild(context.Background(), root)
	} else {
		ix, err = index.Open(root)
	}
	if err != nil {
		return err
	}
	defer ix.Close()

	entries, err := ix.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "(no tracked artifacts; pass --rebuild to scan the filesystem)")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-30s %-22s %s\n", e.Status, e.Namespace, e.Hash, e.UpdatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}
