package cmd

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehayes2000/shepard/internal/history"
	"github.com/ehayes2000/shepard/internal/logger"
	"github.com/ehayes2000/shepard/internal/worktree"
)

var cleanForce bool
var cleanDryRun bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove session worktrees kept from earlier runs",
	Long: `clean removes the worktrees and branches that shepard created for this
repository and that no running shepard still uses. Worktrees with
uncommitted or unpushed work are skipped unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := requireRepo()
		if err != nil {
			return err
		}
		dir, err := GetConfig().WorktreesDir()
		if err != nil {
			return err
		}
		ctl := worktree.NewController(dir)
		return runClean(cmd, ctl, repo)
	},
}

func runClean(cmd *cobra.Command, ctl *worktree.Controller, repo string) error {
	ctx := cmd.Context()
	log := logger.ComponentLogger("clean")

	managed, err := ctl.Managed(ctx, repo)
	if err != nil {
		return err
	}

	// History is advisory here; without it nothing is known to be in use.
	inUse := map[string]bool{}
	store, err := history.OpenDefault()
	if err == nil {
		if entries, lerr := store.ForRepo(repo); lerr == nil {
			for _, e := range entries {
				if e.Open && processAlive(e.PID) {
					inUse[filepath.Clean(e.Worktree)] = true
				}
			}
		}
	} else {
		store = nil
	}

	if len(managed) == 0 {
		cmd.Println("nothing to clean")
		return nil
	}

	var removed, skipped int
	for _, wt := range managed {
		switch {
		case inUse[filepath.Clean(wt.Path)]:
			cmd.Printf("  - %s (in use)\n", wt.Path)
			skipped++
			continue
		case cleanDryRun:
			cmd.Printf("  would remove %s [%s]\n", wt.Path, wt.Branch)
			continue
		}

		if err := ctl.Remove(ctx, wt, cleanForce); err != nil {
			if errors.Is(err, worktree.ErrDirtyWorktree) {
				cmd.Printf("  ⚠ %v (use --force to discard)\n", err)
			} else {
				cmd.Printf("  ⚠ %s: %v\n", wt.Path, err)
			}
			log.Warn("clean skipped worktree", "path", wt.Path, "error", err)
			skipped++
			continue
		}
		if store != nil {
			_ = store.Remove(wt.Path)
		}
		cmd.Printf("  ✓ removed %s [%s]\n", wt.Path, wt.Branch)
		removed++
	}

	if !cleanDryRun {
		cmd.Printf("%d removed, %d skipped\n", removed, skipped)
	}
	return nil
}

func init() {
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "remove worktrees even when they hold unsaved work")
	cleanCmd.Flags().BoolVarP(&cleanDryRun, "dry-run", "n", false, "list what would be removed")
	rootCmd.AddCommand(cleanCmd)
}
