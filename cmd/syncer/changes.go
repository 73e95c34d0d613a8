package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"edfi_sync/internal/domain"
)

func newChangesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Queue local mutations for outbound sync",
	}

	var (
		operation  string
		fields     []string
		beforeFile string
		afterFile  string
	)

	record := &cobra.Command{
		Use:   "record <connection-id> <entity-type> <entity-id>",
		Short: "Record one local change",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := readRecord(beforeFile)
			if err != nil {
				return err
			}
			after, err := readRecord(afterFile)
			if err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conn, err := a.registry.GetConnection(ctx, args[0])
				if err != nil {
					return err
				}
				entry, err := a.sync.Changes().Record(ctx, conn, args[1], args[2],
					domain.ChangeOperation(operation), fields, before, after)
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("resource type %s is not enabled on connection %s", args[1], conn.ID)
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}

	record.Flags().StringVar(&operation, "op", "", "create, update or delete")
	record.Flags().StringSliceVar(&fields, "field", nil, "changed field (repeatable)")
	record.Flags().StringVar(&beforeFile, "before", "", "JSON file with the previous state")
	record.Flags().StringVar(&afterFile, "after", "", "JSON file with the new state")
	_ = record.MarkFlagRequired("op")

	cmd.AddCommand(record)
	return cmd
}

func readRecord(path string) (domain.Record, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rec, nil
}
