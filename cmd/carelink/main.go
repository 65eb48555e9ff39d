// Command carelink drives the patient network session from a terminal:
// sign in, inspect the stored session, call the API and chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussiebroadwan/carelink/internal/app"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "carelink",
		Short:         "Patient chat client for the care backend",
		Version:       app.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		loginCmd(),
		logoutCmd(),
		statusCmd(),
		requestCmd(),
		tailCmd(),
		sendCmd(),
	)
	return cmd
}

// withApp loads the configuration, wires the application and runs fn with
// it. The context passed to fn carries a logger tagged with the command
// name. The application is closed afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, application *app.Application) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, app.WithLogOutput(cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := slogx.WithContext(cmd.Context(), application.Logger().With("command", cmd.Name()))
	runErr := fn(ctx, application)
	if err := application.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
