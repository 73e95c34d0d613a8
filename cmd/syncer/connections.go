package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"edfi_sync/internal/domain"
)

type connectionFlags struct {
	in         domain.ConnectionInput
	direction  string
	status     string
	resources  []string
	secretFile string
}

func (f *connectionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.in.BaseURL, "base-url", "", "Ed-Fi API base url, e.g. https://ods.example.org/data/v3/ed-fi")
	cmd.Flags().StringVar(&f.in.OAuthURL, "oauth-url", "", "OAuth token endpoint")
	cmd.Flags().StringVar(&f.in.ClientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&f.secretFile, "client-secret-file", "", "file holding the OAuth client secret")
	cmd.Flags().IntVar(&f.in.PageSize, "page-size", 0, "records per page (1-500)")
	cmd.Flags().IntVar(&f.in.RequestsPerMinute, "rpm", 0, "request budget per minute")
	cmd.Flags().StringVar(&f.direction, "direction", "", "default sync direction")
	cmd.Flags().StringVar(&f.status, "status", "", "active or inactive")
	cmd.Flags().StringSliceVar(&f.resources, "resource", nil, "enabled resource type (repeatable)")
}

// input reads the secret file, if any, and returns the populated input.
func (f *connectionFlags) input(cmd *cobra.Command) (domain.ConnectionInput, error) {
	in := f.in
	in.DefaultDirection = domain.Direction(f.direction)
	in.Status = domain.ConnectionStatus(f.status)
	if cmd.Flags().Changed("resource") {
		in.EnabledResources = f.resources
	}

	if f.secretFile != "" {
		data, err := os.ReadFile(f.secretFile)
		if err != nil {
			return in, fmt.Errorf("read client secret: %w", err)
		}
		in.ClientSecret = strings.TrimSpace(string(data))
	}
	return in, nil
}

func newConnectionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage Ed-Fi connections",
	}

	register := &connectionFlags{}
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(opts); err != nil {
				return err
			}
			in, err := register.input(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conn, err := a.registry.RegisterConnection(ctx, opts.tenantID, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), connectionView(conn))
			})
		},
	}
	register.bind(registerCmd)
	_ = registerCmd.MarkFlagRequired("client-secret-file")

	update := &connectionFlags{}
	updateCmd := &cobra.Command{
		Use:   "update <connection-id>",
		Short: "Change fields of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := update.input(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conn, err := a.registry.UpdateConnection(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), connectionView(conn))
			})
		},
	}
	update.bind(updateCmd)

	cmd.AddCommand(registerCmd, updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the tenant's connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTenant(opts); err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conns, err := a.registry.ListConnections(ctx, opts.tenantID)
				if err != nil {
					return err
				}
				views := make([]map[string]any, 0, len(conns))
				for i := range conns {
					views = append(views, connectionView(&conns[i]))
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "test <connection-id>",
		Short: "Authenticate and read the remote change versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				versions, err := a.registry.TestConnection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), versions)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <connection-id>",
		Short: "Delete a connection with its jobs, mappings and conflicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.registry.DeleteConnection(ctx, args[0])
			})
		},
	})

	return cmd
}

// connectionView leaves credentials out of command output.
func connectionView(c *domain.Connection) map[string]any {
	return map[string]any{
		"id":                  c.ID,
		"tenant_id":           c.TenantID,
		"name":                c.Name,
		"base_url":            c.BaseURL,
		"oauth_url":           c.OAuthURL,
		"client_id":           c.ClientID,
		"page_size":           c.PageSize,
		"requests_per_minute": c.RequestsPerMinute,
		"default_direction":   c.DefaultDirection,
		"enabled_resources":   c.EnabledResources,
		"change_version":      c.ChangeVersion,
		"status":              c.Status,
		"last_error":          c.LastError,
		"updated_at":          c.UpdatedAt,
	}
}
