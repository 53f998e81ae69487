package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(e *env) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and live detector",
		Long: `Run every enabled component until SIGINT or SIGTERM.

The job queue, notification hub, batch scheduler and live spike detector
start first, then the HTTP API. On shutdown they stop in reverse order and
in-flight batch jobs are requeued with their checkpoints so the next start
resumes them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				e.cfg.Port = port
			}
			return serve(cmd.Context(), e)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, e *env) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := e.openApp(ctx)
	if err != nil {
		return err
	}

	// Components outlive the signal; Stop tears them down in order.
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("cli: shutdown requested")
	case err, ok := <-a.ServerErr():
		if ok && err != nil {
			runErr = fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}
