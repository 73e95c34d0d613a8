package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a field path: a key with an optional array index.
type segment struct {
	key   string
	index int // -1 when the segment has no [n]
}

// parsePath splits "addresses[0].city" into segments.
func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg := segment{key: part, index: -1}

		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") || open == 0 {
				return nil, fmt.Errorf("malformed segment %q", part)
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in %q", part)
			}
			seg.key = part[:open]
			seg.index = idx
		}

		if seg.key == "" {
			return nil, fmt.Errorf("empty segment in %q", path)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// getPath returns the value at path and whether it was present.
func getPath(obj map[string]any, path string) (any, bool) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	var current any = obj
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false
		}
		if seg.index >= 0 {
			arr, ok := current.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
		}
	}
	return current, true
}

// setPath writes value at path, creating intermediate maps and slices.
func setPath(obj map[string]any, path string, value any) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}

	current := obj
	for i, seg := range segments {
		last := i == len(segments)-1

		if seg.index < 0 {
			if last {
				current[seg.key] = value
				return nil
			}
			next, ok := current[seg.key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[seg.key] = next
			}
			current = next
			continue
		}

		arr, _ := current[seg.key].([]any)
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		current[seg.key] = arr

		if last {
			arr[seg.index] = value
			return nil
		}
		next, ok := arr[seg.index].(map[string]any)
		if !ok {
			next = make(map[string]any)
			arr[seg.index] = next
		}
		current = next
	}
	return nil
}

// Lookup reads a dotted field path such as "addresses[0].city" from a record.
func Lookup(rec map[string]any, path string) (any, bool) {
	return getPath(rec, path)
}
