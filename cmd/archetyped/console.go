package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/archetype-iac/archetyped/pkg/agent"
)

// newConsoleCmd attaches the operator's own terminal directly to a
// node's console, for host-local debugging without going through the
// controller's proxied websocket. Standard input is put into raw mode
// for the duration of the session so control characters (Ctrl-], arrow
// keys) reach the remote shell instead of the local line editor.
func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console <lab-id> <node>",
		Short: "Attach this terminal to a node's console",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}

			argv, err := a.ConsoleCommand(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("archetyped: console: %w", err)
			}
			if len(argv) == 0 {
				return fmt.Errorf("archetyped: no console available for node %s/%s", args[0], args[1])
			}

			return runConsole(cmd.Context(), argv)
		},
	}
}

func runConsole(ctx context.Context, argv []string) error {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	stdin, isTerm := os.Stdin, term.IsTerminal(int(os.Stdin.Fd()))
	c.Stdin = stdin

	if !isTerm {
		return c.Run()
	}

	oldState, err := term.MakeRaw(int(stdin.Fd()))
	if err != nil {
		return fmt.Errorf("archetyped: enter raw terminal mode: %w", err)
	}
	defer term.Restore(int(stdin.Fd()), oldState)

	if w, h, err := term.GetSize(int(stdin.Fd())); err == nil {
		os.Setenv("COLUMNS", fmt.Sprintf("%d", w))
		os.Setenv("LINES", fmt.Sprintf("%d", h))
	}

	fmt.Fprintln(os.Stderr, "Connected. Press Ctrl-] to exit.")
	defer io.WriteString(os.Stderr, "\r\nConsole closed.\r\n")

	return c.Run()
}
