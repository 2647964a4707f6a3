// Package normalization maps loosely written configuration values
// ("Warning", " JSON ") onto typed enums.
package normalization

import (
	"fmt"
	"sort"
	"strings"
)

// Normalizer maps case- and space-insensitive keys onto enum values.
type Normalizer[T comparable] struct {
	values       map[string]T
	defaultValue T
	keys         []string // sorted, for error messages
}

// NewNormalizer builds a normalizer; keys of values are matched
// case-insensitively. Several keys may map to one value (aliases).
func NewNormalizer[T comparable](values map[string]T, defaultValue T) *Normalizer[T] {
	n := &Normalizer[T]{
		values:       make(map[string]T, len(values)),
		defaultValue: defaultValue,
		keys:         make([]string, 0, len(values)),
	}
	for k, v := range values {
		key := clean(k)
		n.values[key] = v
		n.keys = append(n.keys, key)
	}
	sort.Strings(n.keys)
	return n
}

// Normalize returns the value for raw, or the default when raw is unknown.
func (n *Normalizer[T]) Normalize(raw string) T {
	if v, ok := n.values[clean(raw)]; ok {
		return v
	}
	return n.defaultValue
}

// NormalizeWithError is Normalize without the fallback.
func (n *Normalizer[T]) NormalizeWithError(raw string) (T, error) {
	if v, ok := n.values[clean(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid value %q, valid options: %s", raw, strings.Join(n.keys, ", "))
}

// ValidKeys returns the accepted keys in sorted order.
func (n *Normalizer[T]) ValidKeys() []string {
	return append([]string(nil), n.keys...)
}

// EnumNormalizer names the enum in validation errors.
type EnumNormalizer[T comparable] struct {
	*Normalizer[T]
	name string
}

// NewEnumNormalizer creates a normalizer whose errors mention name.
func NewEnumNormalizer[T comparable](name string, values map[string]T, defaultValue T) *EnumNormalizer[T] {
	return &EnumNormalizer[T]{Normalizer: NewNormalizer(values, defaultValue), name: name}
}

// NormalizeWithValidation converts raw or reports which values the enum accepts.
func (e *EnumNormalizer[T]) NormalizeWithValidation(raw string) (T, error) {
	v, err := e.NormalizeWithError(raw)
	if err != nil {
		return v, fmt.Errorf("invalid %s: %w", e.name, err)
	}
	return v, nil
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
