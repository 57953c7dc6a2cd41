package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/assetspace/internal/app"
	"github.com/fruitsalade/assetspace/internal/config"
	"github.com/fruitsalade/assetspace/internal/logging"
)

// Global application instance, opened before every command.
var assets *app.App

var rootCmd = &cobra.Command{
	Use:   "assetctl",
	Short: "assetctl - operate on a tenant asset namespace",
	Long: "assetctl runs namespace operations directly against the configured\n" +
		"record store and storage backend, without going through the server.\n\n" +
		"Configuration comes from the same environment variables as the server.",
	SilenceUsage:      true,
	PersistentPreRunE: openApp,
}

func init() {
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(migrateCmd)
}

func execute() {
	err := rootCmd.Execute()
	if cerr := closeApp(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

func openApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     "console",
		OutputPath: "stderr",
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}

	assets, err = app.Open(getContext(cmd), cfg)
	return err
}

// closeApp runs after every command, including failed ones.
func closeApp() error {
	logging.Sync()
	if assets == nil {
		return nil
	}
	err := assets.Close()
	assets = nil
	return err
}

func getContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
