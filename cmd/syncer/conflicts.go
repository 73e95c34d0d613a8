package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"edfi_sync/internal/domain"
)

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	var filter domain.ConflictFilter
	var status string

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(opts); err != nil {
				return err
			}
			filter.Status = domain.ConflictStatus(status)
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conflicts, err := a.sync.GetConflicts(ctx, opts.tenantID, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), conflicts)
			})
		},
	}

	cmd.Flags().StringVar(&filter.ConnectionID, "connection", "", "only conflicts of this connection")
	cmd.Flags().StringVar(&filter.JobID, "job", "", "only conflicts raised by this job")
	cmd.Flags().StringVar(&status, "status", string(domain.ConflictPending), "pending, resolved or ignored (empty for all)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of conflicts")

	return cmd
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var (
		resolution string
		mergedFile string
		resolvedBy string
		ignore     bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve or ignore a pending conflict",
		Long: `Resolve a conflict by keeping the local record, the Ed-Fi record or a merged document.

Example:
  syncer resolve 9b1e... --resolution edfi_wins --by registrar
  syncer resolve 9b1e... --resolution manual_merge --merged merged.json --by registrar
  syncer resolve 9b1e... --ignore --by registrar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var merged domain.Record
			if mergedFile != "" {
				data, err := os.ReadFile(mergedFile)
				if err != nil {
					return fmt.Errorf("read merged record: %w", err)
				}
				if err := json.Unmarshal(data, &merged); err != nil {
					return fmt.Errorf("parse merged record: %w", err)
				}
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var (
					c   *domain.Conflict
					err error
				)
				if ignore {
					c, err = a.sync.IgnoreConflict(ctx, args[0], resolvedBy)
				} else {
					c, err = a.sync.ResolveConflict(ctx, args[0], domain.Resolution(resolution), merged, resolvedBy)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "scholarly_wins, edfi_wins or manual_merge")
	cmd.Flags().StringVar(&mergedFile, "merged", "", "JSON file with the merged record (manual_merge)")
	cmd.Flags().StringVar(&resolvedBy, "by", "", "who resolved the conflict")
	cmd.Flags().BoolVar(&ignore, "ignore", false, "close the conflict without touching the record")
	cmd.MarkFlagsMutuallyExclusive("resolution", "ignore")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}
