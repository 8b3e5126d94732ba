package store

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPath = errors.New("invalid property path")

// SplitPath validates a dotted property path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
		if strings.ContainsAny(p, "`$\x00") {
			return nil, fmt.Errorf("%w: %q contains a reserved character", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// GetPath reads the value at a dotted path of a nested map.
func GetPath(fields map[string]any, parts []string) (any, bool) {
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dotted path, creating intermediate maps.
// A non-map value in the middle of the path is replaced.
func SetPath(fields map[string]any, parts []string, value any) {
	m := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// UnsetPath removes the value at a dotted path. Missing paths are ignored.
func UnsetPath(fields map[string]any, parts []string) {
	m := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// Apply mutates fields according to op.
func Apply(fields map[string]any, op WriteOp) error {
	parts, err := SplitPath(op.Path)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpSet:
		SetPath(fields, parts, op.Value)
	case OpUnset:
		UnsetPath(fields, parts)
	default:
		return fmt.Errorf("unsupported operation %s", op.Kind)
	}
	return nil
}

// CloneFields deep-copies nested maps so callers cannot alias stored state.
// Slices and scalar values are copied shallowly.
func CloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if m, ok := v.(map[string]any); ok {
			out[k] = CloneFields(m)
			continue
		}
		out[k] = v
	}
	return out
}
