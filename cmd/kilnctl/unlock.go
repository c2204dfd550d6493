package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/filelock"
	"github.com/kilnforge/kiln/internal/layout"
)

var (
	unlockForce bool
	unlockYes   bool
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <dir>",
	Short: "Remove a stuck .compute.lock after confirming its owner is dead",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnlock,
}

func init() {
	unlockCmd.Flags().BoolVar(&unlockForce, "force", false, "required: acknowledge this bypasses the normal reconciler path")
	unlockCmd.Flags().BoolVar(&unlockYes, "yes", false, "skip the interactive confirmation prompt")
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	if !unlockForce {
		return fmt.Errorf("refusing to unlock without --force")
	}
	d := layout.New(args[0])
	path := d.ComputeLockPath()

	payload, ok, err := filelock.ReadPayload(path)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "no compute lock held at %s\n", path)
		return nil
	}
	if filelock.IsProcessAlive(payload.PID) && !filelock.IsStale(path, 0) {
		return fmt.Errorf("refusing to unlock: owner pid=%d host=%s appears live", payload.PID, payload.Host)
	}

	if !unlockYes {
		var confirm bool
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Remove lock held by pid=%d host=%s (created %s)?", payload.PID, payload.Host, payload.CreatedAt.Format(time.RFC3339))).
					Description("This bypasses the reconciler; use only when the owner is confirmed dead.").
					Affirmative("Yes, unlock").
					Negative("No, cancel").
					Value(&confirm),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("confirmation prompt: %w", err)
		}
		if !confirm {
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
	return nil
}
