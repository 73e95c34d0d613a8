package main

import (
	"context"

	"github.com/spf13/cobra"

	"edfi_sync/internal/domain"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var (
		resources []string
		direction string
	)

	cmd := &cobra.Command{
		Use:   "sync <connection-id>",
		Short: "Start sync jobs for a connection",
		Long: `Create one sync job per resource type and queue them for the workers.

Example:
  syncer sync --tenant district-1 3f0c... --resource students --resource schools
  syncer sync --tenant district-1 3f0c... --direction inbound`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(opts); err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				jobs, err := a.sync.StartSyncJob(ctx, domain.SyncRequest{
					TenantID:      opts.tenantID,
					ConnectionID:  args[0],
					ResourceTypes: resources,
					Direction:     domain.Direction(direction),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringSliceVar(&resources, "resource", nil, "resource type to sync (repeatable, default all enabled)")
	cmd.Flags().StringVar(&direction, "direction", "", "inbound, outbound or bidirectional (default the connection's)")

	return cmd
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Schedule a failed job for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				job, err := a.sync.RetryFailedJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress of a sync job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				view, err := a.sync.GetSyncJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"job":             view.Job,
					"partial_success": view.PartialSuccess,
					"duration":        view.Duration.String(),
				})
			})
		},
	}
}
