// Package conflict detects divergence between local and remote versions of a record
// and computes resolutions.
package conflict

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/mapping"
)

// Detect returns the local field names whose values contradict each other.
// Both records are in the local layout. A field missing on either side is not a conflict.
func Detect(local, remote domain.Record, mappings []domain.FieldMapping) []string {
	var fields []string
	seen := make(map[string]bool)

	for _, m := range mappings {
		field := m.LocalField
		if seen[field] {
			continue
		}
		seen[field] = true

		lv, ok := lookupField(local, field)
		if !ok {
			continue
		}
		rv, ok := lookupField(remote, field)
		if !ok {
			continue
		}

		if Normalize(lv) != Normalize(rv) {
			fields = append(fields, field)
		}
	}
	return fields
}

// Normalize renders a value in the comparison form: dates as ISO strings, objects as
// canonical JSON, scalars as trimmed lower-case strings.
func Normalize(v any) string {
	switch t := v.(type) {
	case time.Time:
		return mapping.FormatISODate(t, false)
	case string:
		if looksLikeDate(t) {
			if parsed, dateOnly, err := mapping.ParseDate(t); err == nil {
				return mapping.FormatISODate(parsed, dateOnly)
			}
		}
		return strings.ToLower(strings.TrimSpace(t))
	case map[string]any, []any:
		// encoding/json sorts map keys, which makes the output canonical
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return strings.ToLower(strings.TrimSpace(mapping.FormatScalar(v)))
}

// looksLikeDate avoids treating plain numbers or codes as dates.
func looksLikeDate(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 8 && (strings.Count(s, "-") == 2 || strings.Count(s, "/") == 2)
}

func lookupField(rec domain.Record, path string) (any, bool) {
	v, ok := mapping.Lookup(rec, path)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Resolve returns the payload a resolution produces. It does not persist anything.
func Resolve(c *domain.Conflict, resolution domain.Resolution, merged domain.Record) (domain.Record, error) {
	if c.Status != domain.ConflictPending {
		return nil, domain.NewError(domain.KindAlreadyResolved, "conflict %s is already %s", c.ID, c.Status)
	}

	switch resolution {
	case domain.ResolutionScholarlyWins:
		return c.LocalData, nil
	case domain.ResolutionEdFiWins:
		return c.RemoteData, nil
	case domain.ResolutionManualMerge:
		if merged == nil {
			return nil, domain.NewError(domain.KindValidation, "manual_merge requires merged data")
		}
		return merged, nil
	}

	return nil, domain.NewError(domain.KindValidation, "unknown resolution %q", resolution)
}
