package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"edfi_sync/internal/domain"
)

var errUnsupportedValue = errors.New("unsupported value type")

type dateLayout struct {
	layout   string
	dateOnly bool
}

var dateLayouts = []dateLayout{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", true},
	{"01/02/2006", true},
	{"1/2/2006", true},
	{"2006/01/02", true},
}

// ParseDate parses the date representations seen in either system.
func ParseDate(value any) (time.Time, bool, error) {
	switch v := value.(type) {
	case time.Time:
		return v, false, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, false, errUnsupportedValue
		}
		return *v, false, nil
	case string:
		s := strings.TrimSpace(v)
		for _, l := range dateLayouts {
			if t, err := time.Parse(l.layout, s); err == nil {
				return t, l.dateOnly, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("unrecognized date %q", v)
	}
	return time.Time{}, false, errUnsupportedValue
}

// FormatISODate renders t as ISO-8601: a calendar date when dateOnly, otherwise RFC3339 UTC.
func FormatISODate(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339)
}

// FormatScalar renders a scalar as text. JSON numbers decode as float64, so integral
// values print without an exponent.
func FormatScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	}
	return fmt.Sprint(v)
}

func (e *Engine) transform(t domain.Transform, value any, direction domain.Direction) (any, error) {
	switch t.Kind {
	case "", domain.TransformDirect:
		return value, nil

	case domain.TransformUppercase:
		if s, ok := value.(string); ok {
			return strings.ToUpper(s), nil
		}
		return value, nil

	case domain.TransformLowercase:
		if s, ok := value.(string); ok {
			return strings.ToLower(s), nil
		}
		return value, nil

	case domain.TransformDateFormat:
		return formatDate(t.DateFormat, value)

	case domain.TransformLookup:
		return lookup(t.Lookup, value, direction), nil

	case domain.TransformCustom:
		return e.custom(t.Custom, value)
	}

	return nil, fmt.Errorf("unknown transform %q", t.Kind)
}

func formatDate(cfg *domain.DateFormatConfig, value any) (any, error) {
	t, dateOnly, err := ParseDate(value)
	if err != nil {
		return nil, err
	}

	layout := ""
	if cfg != nil {
		layout = cfg.Layout
	}

	switch layout {
	case "":
		return FormatISODate(t, dateOnly), nil
	case "date":
		return FormatISODate(t, true), nil
	case "datetime":
		return FormatISODate(t, false), nil
	default:
		return t.Format(layout), nil
	}
}

// lookup maps remote codes to local values inbound and back through the inverted table outbound.
func lookup(cfg *domain.LookupConfig, value any, direction domain.Direction) any {
	if cfg == nil || value == nil {
		return value
	}

	key := FormatScalar(value)
	if direction == domain.DirectionOutbound {
		keys := make([]string, 0, len(cfg.Table))
		for k := range cfg.Table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if FormatScalar(cfg.Table[k]) == key {
				return k
			}
		}
	} else if mapped, ok := cfg.Table[key]; ok {
		return mapped
	}

	if cfg.Default != nil {
		return cfg.Default
	}
	return value
}

func (e *Engine) custom(cfg *domain.CustomConfig, value any) (any, error) {
	if cfg == nil || value == nil {
		return value, nil
	}

	ops, err := e.compiled(cfg.Expression)
	if err != nil {
		e.logger.Warn("unrecognized custom expression, passing value through",
			"expression", cfg.Expression,
			"error", err,
		)
		return value, nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case float64, float32, int, int64, bool, json.Number:
		s = FormatScalar(v)
	default:
		return nil, errUnsupportedValue
	}
	return runPipeline(ops, s), nil
}

func (e *Engine) compiled(expr string) ([]stringOp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.expressions[expr]; ok {
		return c.ops, c.err
	}
	ops, err := compileExpression(expr)
	e.expressions[expr] = compiledExpression{ops: ops, err: err}
	return ops, err
}
