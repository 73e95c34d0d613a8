package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	tenantID   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncer",
		Short:         "Ed-Fi bidirectional sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.tenantID, "tenant", "", "tenant id")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newMappingsCommand(opts))
	cmd.AddCommand(newConnectionsCommand(opts))
	cmd.AddCommand(newChangesCommand(opts))

	return cmd
}

// withApp wires the dependencies, runs fn and releases them.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func requireTenant(opts *rootOptions) error {
	if opts.tenantID == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
