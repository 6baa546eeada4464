package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// RunSetup runs the interactive setup wizard on in/out. existing provides
// the default for each prompt (edit mode).
func RunSetup(in io.Reader, out io.Writer, existing Config) (Config, error) {
	r := bufio.NewReader(in)

	ask := func(prompt, defaultVal string) (string, error) {
		if defaultVal != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, defaultVal)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return defaultVal, nil
		}
		return line, nil
	}

	askBool := func(prompt string, defaultVal bool) (bool, error) {
		def := "n"
		if defaultVal {
			def = "y"
		}
		ans, err := ask(prompt+" (y/n)", def)
		if err != nil {
			return false, err
		}
		return strings.ToLower(ans) == "y" || strings.ToLower(ans) == "yes", nil
	}

	cfg := existing

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ┌─────────────────────────────────┐")
	fmt.Fprintln(out, "  │        shepard — setup          │")
	fmt.Fprintln(out, "  └─────────────────────────────────┘")
	fmt.Fprintln(out)

	var err error

	cfg.AssistantCommand, err = ask("  Assistant command", cfg.AssistantCommand)
	if err != nil {
		return Config{}, err
	}

	args, err := ask("  Assistant arguments (space separated, '-' for none)", strings.Join(cfg.AssistantArgs, " "))
	if err != nil {
		return Config{}, err
	}
	if args == "-" {
		cfg.AssistantArgs = []string{}
	} else {
		cfg.AssistantArgs = strings.Fields(args)
	}

	cfg.ShellCommand, err = ask("  Shell for auxiliary terminals", cfg.ShellCommand)
	if err != nil {
		return Config{}, err
	}

	cfg.WorktreesPath, err = ask("  Directory for session worktrees", cfg.WorktreesPath)
	if err != nil {
		return Config{}, err
	}

	cfg.BaseBranch, err = ask("  Base branch for new sessions (empty = current HEAD)", cfg.BaseBranch)
	if err != nil {
		return Config{}, err
	}

	for {
		grace, err := ask("  Grace period before killing a closed session", cfg.GracePeriod.String())
		if err != nil {
			return Config{}, err
		}
		d, perr := time.ParseDuration(grace)
		if perr == nil && d >= 0 {
			cfg.GracePeriod = Duration(d)
			break
		}
		fmt.Fprintf(out, "  ⚠ %q is not a duration like 3s or 500ms\n", grace)
	}

	for {
		sb, err := ask("  Scrollback per session in bytes", strconv.Itoa(cfg.ScrollbackBytes))
		if err != nil {
			return Config{}, err
		}
		n, perr := strconv.Atoi(sb)
		if perr == nil && n > 0 {
			cfg.ScrollbackBytes = n
			break
		}
		fmt.Fprintf(out, "  ⚠ %q is not a positive number\n", sb)
	}

	discard, err := askBool("  Discard worktrees on close by default", cfg.DiscardByDefault())
	if err != nil {
		return Config{}, err
	}
	cfg.DiscardWorktreeOnClose = &discard

	fmt.Fprintln(out)
	return cfg, cfg.Validate()
}
