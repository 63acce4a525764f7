package main

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	sferrors "github.com/mirkobrombin/go-singlefile/v1/errors"
)

// exitTimeout is EX_TEMPFAIL from sysexits.h.
const exitTimeout = 75

func newRunCommand(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command while holding the session token",
		Long: `Run waits for the session token, runs the command, and hands the token on.
When no token arrives within --timeout the command is skipped and singlefile
exits with status 75, or fails with an error when --strict is set. The exit
status of the command is passed through.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			stop, err := a.serveMetrics()
			if err != nil {
				return err
			}
			defer stop()

			s, err := a.newSemaphore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			err = s.SynchronizeStrict(cmd.Context(), timeout, func(ctx context.Context) error {
				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Stdin = os.Stdin
				child.Stdout = cmd.OutOrStdout()
				child.Stderr = cmd.ErrOrStderr()
				return child.Run()
			})
			var childExit *exec.ExitError
			switch {
			case errors.Is(err, sferrors.ErrQueueTimeout) && !strict:
				a.logger.Warn("no token within timeout, command skipped", "session", cfg.Name, "timeout", timeout)
				return &exitError{code: exitTimeout}
			case errors.As(err, &childExit):
				return &exitError{code: childExit.ExitCode()}
			}
			return err
		},
	}
	cmd.Flags().Duration("timeout", 0, "how long to wait for the token (0 waits forever)")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail instead of exiting 75 when the wait times out")
	return cmd
}
