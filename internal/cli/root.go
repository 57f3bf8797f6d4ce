// Package cli is the command surface of the binary. serve runs the
// backend, worker runs the learning process serve spawns on demand, and
// pull fetches model artifacts from the terminal.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"localmind/internal/config"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	DataDir string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "localmind",
		Short:         "Local assistant backend with tiered long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.DataDir, "data-dir", "", "Data directory (defaults to the per-user config dir)")

	root.AddCommand(newServeCmd(ro, version))
	root.AddCommand(newWorkerCmd(ro))
	root.AddCommand(newPullCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// resolveSettings turns the --data-dir flag into process settings.
func resolveSettings(ro *RootOpts) (*config.Settings, error) {
	if ro.DataDir != "" {
		return config.SettingsAt(ro.DataDir), nil
	}
	return config.DefaultSettings()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
