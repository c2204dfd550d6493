package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kilnforge/kiln/internal/layout"
	"github.com/kilnforge/kiln/internal/migration"
	"github.com/kilnforge/kiln/internal/state"
)

var (
	statusExplain bool

	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
)

var statusCmd = &cobra.Command{
	Use:   "status <dir>",
	Short: "Show an artifact directory's state.json and migration overlay",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusExplain, "explain", false, "render a markdown explanation of the current state")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	d := layout.New(args[0])
	s, err := state.Read(d)
	if err != nil {
		return err
	}
	rec, err := migration.Read(d)
	if err != nil {
		return err
	}

	row := func(label, value string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Width(12).Render(label), valueStyle.Render(value))
	}
	row("path", d.Path())
	row("result", string(s.Result.Status()))
	if s.Attempt != nil {
		c := s.Attempt.Base()
		row("attempt", fmt.Sprintf("#%d %s (%s)", c.Number, s.Attempt.Status(), c.Backend))
		row("owner", fmt.Sprintf("pid=%d host=%s", c.Owner.PID, c.Owner.Host))
		row("lease", fmt.Sprintf("expires %s", c.LeaseExpiresAt.Format(time.RFC3339)))
	}
	if rec != nil {
		row("migration", fmt.Sprintf("%s -> %s (%s)", rec.From.Hash, rec.To.Hash, rec.Kind))
	}

	if statusExplain {
		md := explainMarkdown(d, s, rec)
		rendered, err := glamour.Render(md, "dark")
		if err != nil {
			return fmt.Errorf("render explanation: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), rendered)
	}
	return nil
}

func explainMarkdown(d layout.Dir, s state.State, rec *migration.Record) string {
	md := fmt.Sprintf("# %s\n\n- **result**: `%s`\n", d.Path(), s.Result.Status())
	if s.Attempt != nil {
		md += fmt.Sprintf("- **attempt**: `%s`, number %d, backend `%s`\n", s.Attempt.Status(), s.Attempt.Base().Number, s.Attempt.Base().Backend)
	} else {
		md += "- **attempt**: none recorded yet\n"
	}
	if rec != nil {
		md += fmt.Sprintf("- **migration**: `%s` policy `%s`, from `%s` to `%s`\n", rec.Kind, rec.Policy, rec.From.Hash, rec.To.Hash)
	}
	if state.SuccessMarkerExists(d) {
		md += "- SUCCESS.json is present\n"
	}
	return md
}
