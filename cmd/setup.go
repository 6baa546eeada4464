package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehayes2000/shepard/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure shepard (re-run anytime to edit settings)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup(cmd)
	},
}

// runSetup runs the interactive setup wizard and writes the global config.
func runSetup(cmd *cobra.Command) error {
	path, err := config.GlobalPath()
	if err != nil {
		return err
	}

	// Edit the global file only; project overrides stay where they are.
	existing, err := config.LoadGlobal()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "  ⚠ %v; starting from defaults\n", err)
		d := config.Defaults()
		existing = &d
	}

	next, err := config.RunSetup(cmd.InOrStdin(), cmd.OutOrStdout(), config.Merge(existing, nil))
	if err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if err := config.Save(path, next); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	cmd.Printf("  ✓ Config saved to %s\n", path)
	cmd.Println("  Run 'shepard' inside a git repository to start.")
	cmd.Println()
	return nil
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
