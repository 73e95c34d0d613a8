package postgres

import (
	"encoding/json"
	"fmt"
)

// jsonParam encodes v for a jsonb column. lib/pq sends []byte as bytea, so the
// document travels as text. A nil value becomes SQL NULL.
func jsonParam(v any) (any, error) {
	if isNilJSON(v) {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func scanJSON(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func isNilJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return t == nil
	}
	return false
}
