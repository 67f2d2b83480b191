// Command fc runs the entity resolution pipeline: a document store, the
// association and projection workers, and the parent-resolution sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowcanon/flowcanon/internal/config"
	"github.com/flowcanon/flowcanon/internal/debug"
)

var (
	configPath string
	storePath  string
	backend    string
	verbose    bool

	opts *config.Options

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "fc",
	Short:         "Flow/Canon entity resolution pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		opts, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if storePath != "" {
			opts.StorePath = storePath
		}
		if backend != "" {
			opts.StoreBackend = backend
		}
		if verbose {
			debug.SetVerbose(true)
		}
		return nil
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "store path or dolt:// URL")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "store backend: memory|sqlite|dolt|dolt-server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, statusCmd, ingestCmd, versionCmd)

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "fc: %v\n", err)
		os.Exit(1)
	}
}
