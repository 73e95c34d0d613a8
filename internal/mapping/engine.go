// Package mapping translates resource payloads between the local and remote field layouts.
package mapping

import (
	"log/slog"
	"sync"

	"edfi_sync/internal/domain"
)

type compiledExpression struct {
	ops []stringOp
	err error
}

// Engine applies field mappings. It is safe for concurrent use.
type Engine struct {
	logger *slog.Logger

	mu          sync.Mutex
	expressions map[string]compiledExpression
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:      logger.With("component", "field_mapping"),
		expressions: make(map[string]compiledExpression),
	}
}

// Apply builds the target payload for a pass in the given direction.
//
// Inbound reads remote fields and writes local fields; outbound does the reverse. Absent source
// values take the mapping default; a required field with neither is logged and omitted. A
// failing transform leaves the value untransformed.
func (e *Engine) Apply(source domain.Record, mappings []domain.FieldMapping, direction domain.Direction) domain.Record {
	target := make(domain.Record)

	if direction != domain.DirectionInbound && direction != domain.DirectionOutbound {
		e.logger.Warn("mapping direction must be inbound or outbound", "direction", direction)
		return target
	}

	for _, m := range mappings {
		if !m.AppliesTo(direction) {
			continue
		}

		from, to := m.RemoteField, m.LocalField
		if direction == domain.DirectionOutbound {
			from, to = m.LocalField, m.RemoteField
		}

		value, ok := getPath(source, from)
		if !ok || value == nil {
			if m.DefaultValue == nil {
				if m.Required {
					e.logger.Warn("required field missing",
						"resource_type", m.ResourceType,
						"field", from,
						"direction", direction,
					)
				}
				continue
			}
			value = m.DefaultValue
		}

		transformed, err := e.transform(m.Transform, cloneValue(value), direction)
		if err != nil {
			e.logger.Warn("transform failed, using original value",
				"resource_type", m.ResourceType,
				"field", from,
				"transform", m.Transform.Kind,
				"error", err,
			)
			transformed = cloneValue(value)
		}

		if err := setPath(target, to, transformed); err != nil {
			e.logger.Warn("cannot write mapped field",
				"resource_type", m.ResourceType,
				"field", to,
				"error", err,
			)
		}
	}

	return target
}

// cloneValue deep-copies maps and slices so targets never alias the source payload.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}
