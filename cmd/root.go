package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/ehayes2000/shepard/internal/app"
	"github.com/ehayes2000/shepard/internal/config"
	"github.com/ehayes2000/shepard/internal/history"
	"github.com/ehayes2000/shepard/internal/logger"
	"github.com/ehayes2000/shepard/internal/proc"
	"github.com/ehayes2000/shepard/internal/session"
	"github.com/ehayes2000/shepard/internal/status"
	"github.com/ehayes2000/shepard/internal/worktree"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// repoRoot is the repository containing the working directory, or "" when
// there is none.
var repoRoot string

var debug bool

var rootCmd = &cobra.Command{
	Use:   "shepard",
	Short: "Run several coding-assistant sessions side by side, each in its own git worktree",
	Long: `shepard supervises AI coding-assistant sessions in one terminal. Every
session gets its own git worktree and branch; switch between them with
Ctrl-B followed by a command key (Ctrl-B ? lists them).`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, err := logger.DefaultPath(); err == nil {
			if err := logger.Init(path); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
		}
		logger.SetDebug(debug)

		repoRoot = ""
		if cwd, err := os.Getwd(); err == nil {
			if root, err := worktree.RepoRoot(cmd.Context(), cwd, nil); err == nil {
				repoRoot = root
			}
		}

		var warnings []error
		cfg, warnings = config.Load(repoRoot)
		for _, w := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
			logger.ComponentLogger("config").Warn("config ignored", "error", w)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// requireRepo returns the repository root or a descriptive error.
func requireRepo() (string, error) {
	if repoRoot == "" {
		cwd, _ := os.Getwd()
		return "", fmt.Errorf("%w: %s", worktree.ErrNotRepository, cwd)
	}
	return repoRoot, nil
}

func runInteractive(ctx context.Context) error {
	repo, err := requireRepo()
	if err != nil {
		return err
	}
	if !term.IsTerminal(os.Stdin.Fd()) || !term.IsTerminal(os.Stdout.Fd()) {
		return errors.New("shepard needs an interactive terminal")
	}
	log := logger.ComponentLogger("main")

	dir, err := cfg.WorktreesDir()
	if err != nil {
		return fmt.Errorf("resolving worktrees path: %w", err)
	}
	ctl := worktree.NewController(dir)
	if err := os.MkdirAll(ctl.RepoDir(repo), 0o755); err != nil {
		return fmt.Errorf("creating worktree directory: %w", err)
	}

	hist, err := history.OpenDefault()
	if err != nil {
		log.Warn("history disabled", "error", err)
		hist = nil
	}

	var env []string
	srv, err := status.Listen(status.DefaultPath())
	if err != nil {
		log.Warn("status socket disabled", "error", err)
		srv = nil
	} else {
		env = append(env, status.EnvSocket+"="+srv.Path())
	}

	reg := session.NewRegistry(session.Options{
		RepoRoot:   repo,
		BaseBranch: cfg.BaseBranch,
		Assistant: proc.Command{
			Kind: proc.KindAssistant,
			Name: cfg.AssistantCommand,
			Args: cfg.AssistantArgs,
		},
		Shell:           proc.Command{Kind: proc.KindShell, Name: cfg.ShellCommand},
		GracePeriod:     cfg.GracePeriod.Std(),
		ScrollbackBytes: cfg.ScrollbackBytes,
		Env:             env,
	}, ctl, session.PTYSpawner)

	log.Info("starting", "repo", repo, "worktrees", ctl.RepoDir(repo), "assistant", cfg.AssistantCommand)
	a := app.New(app.Options{
		Registry:         reg,
		In:               os.Stdin,
		Out:              os.Stdout,
		History:          hist,
		Status:           srv,
		WatchDir:         ctl.RepoDir(repo),
		RepoRoot:         repo,
		DiscardByDefault: cfg.DiscardByDefault(),
	})
	return a.Run(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug-level entries to the log file")
}
