package cmd

import (
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehayes2000/shepard/internal/history"
)

var sessionsAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions of the current repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.OpenDefault()
		if err != nil {
			return err
		}

		var entries []history.Entry
		if sessionsAll {
			entries, err = store.Load()
		} else {
			repo, rerr := requireRepo()
			if rerr != nil {
				return rerr
			}
			entries, err = store.ForRepo(repo)
		}
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			cmd.Println("no sessions recorded")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tBRANCH\tSTATE\tLAST USED\tWORKTREE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Name, e.Branch, entryState(e), e.LastUsed.Format(time.DateTime), e.Worktree)
		}
		return nil
	},
}

// entryState describes whether a recorded session is live, stopped with
// its worktree kept, or gone.
func entryState(e history.Entry) string {
	if _, err := os.Stat(e.Worktree); err != nil {
		return "removed"
	}
	if e.Open && processAlive(e.PID) {
		return "open"
	}
	return "kept"
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func init() {
	sessionsCmd.Flags().BoolVarP(&sessionsAll, "all", "a", false, "list sessions of every repository")
	rootCmd.AddCommand(sessionsCmd)
}
