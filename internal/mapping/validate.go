package mapping

import (
	"fmt"

	"edfi_sync/internal/domain"
)

// Validate checks a mapping definition before it is stored.
func Validate(m domain.FieldMapping) error {
	if _, err := parsePath(m.LocalField); err != nil {
		return fmt.Errorf("local field: %w", err)
	}
	if _, err := parsePath(m.RemoteField); err != nil {
		return fmt.Errorf("remote field: %w", err)
	}
	if !m.Direction.Valid() {
		return fmt.Errorf("unknown direction %q", m.Direction)
	}

	t := m.Transform
	switch t.Kind {
	case "", domain.TransformDirect, domain.TransformUppercase, domain.TransformLowercase, domain.TransformDateFormat:
		return nil
	case domain.TransformLookup:
		if t.Lookup == nil || len(t.Lookup.Table) == 0 {
			return fmt.Errorf("lookup transform needs a table")
		}
		return nil
	case domain.TransformCustom:
		if t.Custom == nil {
			return fmt.Errorf("custom transform needs an expression")
		}
		if _, err := compileExpression(t.Custom.Expression); err != nil {
			return fmt.Errorf("custom expression: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown transform %q", t.Kind)
}
