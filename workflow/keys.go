package workflow

import (
	"slices"
	"strings"
)

// StepKey identifies a step within a graph.
type StepKey string

const (
	// Start is the virtual origin of every run. It is never a valid edge destination.
	Start StepKey = "@start"
	// End is the virtual terminal. It never has out edges.
	End StepKey = "@end"
)

const reservedPrefix = "@"

// IsReserved reports whether the key belongs to the reserved namespace.
func (k StepKey) IsReserved() bool {
	return strings.HasPrefix(string(k), reservedPrefix)
}

func (k StepKey) String() string {
	return string(k)
}

// KeySet is a set of step keys.
type KeySet map[StepKey]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...StepKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k StepKey) {
	s[k] = struct{}{}
}

func (s KeySet) Has(k StepKey) bool {
	_, ok := s[k]
	return ok
}

// Union adds every key of other to s.
func (s KeySet) Union(other KeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []StepKey {
	keys := make([]StepKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Strings returns the sorted keys as plain strings.
func (s KeySet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, k := range sorted {
		out[i] = string(k)
	}
	return out
}
