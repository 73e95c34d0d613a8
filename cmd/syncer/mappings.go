package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"edfi_sync/internal/domain"
)

// mappingFile is the YAML layout accepted by "mappings set".
type mappingFile struct {
	Mappings []mappingSpec `yaml:"mappings"`
}

type mappingSpec struct {
	Local     string         `yaml:"local"`
	Remote    string         `yaml:"remote"`
	Direction string         `yaml:"direction"`
	Required  bool           `yaml:"required"`
	Default   any            `yaml:"default"`
	Transform *transformSpec `yaml:"transform"`
}

type transformSpec struct {
	Type       string         `yaml:"type"`
	Layout     string         `yaml:"layout"`
	Table      map[string]any `yaml:"table"`
	Fallback   any            `yaml:"fallback"`
	Expression string         `yaml:"expression"`
}

func (s mappingSpec) toDomain() domain.FieldMapping {
	m := domain.FieldMapping{
		LocalField:   s.Local,
		RemoteField:  s.Remote,
		Direction:    domain.Direction(s.Direction),
		Required:     s.Required,
		DefaultValue: s.Default,
	}
	if s.Transform == nil {
		return m
	}

	t := domain.Transform{Kind: domain.TransformKind(s.Transform.Type)}
	switch t.Kind {
	case domain.TransformDateFormat:
		t.DateFormat = &domain.DateFormatConfig{Layout: s.Transform.Layout}
	case domain.TransformLookup:
		t.Lookup = &domain.LookupConfig{Table: s.Transform.Table, Default: s.Transform.Fallback}
	case domain.TransformCustom:
		t.Custom = &domain.CustomConfig{Expression: s.Transform.Expression}
	}
	m.Transform = t
	return m
}

func loadMappingFile(path string) ([]domain.FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}

	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}

	mappings := make([]domain.FieldMapping, 0, len(f.Mappings))
	for _, spec := range f.Mappings {
		mappings = append(mappings, spec.toDomain())
	}
	return mappings, nil
}

func newMappingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Show or replace the field mappings of a resource type",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <connection-id> <resource-type>",
		Short: "Print the field mappings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				mappings, err := a.sync.GetFieldMappings(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), mappings)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <connection-id> <resource-type> <file.yaml>",
		Short: "Replace the field mappings with the ones in a YAML file",
		Long: `Replace every mapping of the resource type. The file looks like:

  mappings:
    - local: externalId
      remote: studentUniqueId
    - local: lastName
      remote: lastSurname
      direction: inbound
      transform: {type: uppercase}
    - local: grade
      remote: gradeLevelDescriptor
      transform:
        type: lookup
        table: {"9": "uri://ed-fi.org/GradeLevelDescriptor#Ninth grade"}`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mappings, err := loadMappingFile(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stored, err := a.sync.SetFieldMappings(ctx, args[0], args[1], mappings)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stored)
			})
		},
	})

	return cmd
}
