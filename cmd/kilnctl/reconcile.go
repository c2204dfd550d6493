package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/reconcile"
	"github.com/kilnforge/kiln/internal/state"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <dir>",
	Short: "Run the reconciler once and print the before/after transition",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	d := layout.New(args[0])
	before, err := state.Read(d)
	if err != nil {
		return err
	}
	after, err := reconcile.Reconcile(context.Background(), d, reconcile.Options{})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", d.Path(), before.Result.Status(), after.Result.Status())
	return nil
}
