package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// Document is the structured content of a SharedState: string keys mapping to
// JSON-shaped values (map[string]any, []any, string, float64, bool, nil).
type Document map[string]any

// SharedState is the single mutable document shared by all steps of one run.
//
// Writes go through Apply and run under the exclusive lock; reads go through
// FetchView and run under the shared lock. A Modification is applied to a
// shallow copy of the top-level map and swapped in only on success, so a
// failing Modification leaves the state untouched and no reader ever sees a
// half-applied one.
type SharedState struct {
	mu      sync.RWMutex
	doc     Document
	version uint64
}

// NewSharedState creates a state from a map or from any value that encodes to
// a JSON object. A nil initial value yields an empty document.
func NewSharedState(initial any) (*SharedState, error) {
	doc, err := toDocument(initial)
	if err != nil {
		return nil, err
	}
	return &SharedState{doc: doc}, nil
}

// Apply runs m as one critical section.
func (s *SharedState) Apply(m Modification) error {
	if m == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.doc)
	if next == nil {
		next = Document{}
	}
	if err := m.Apply(next); err != nil {
		return err
	}
	s.doc = next
	s.version++
	return nil
}

// Version returns the number of modifications applied so far.
func (s *SharedState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a deep copy of the current document.
func (s *SharedState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.doc))
	for k, v := range s.doc {
		out[k] = deepCopy(v)
	}
	return out
}

// FetchView evaluates v under shared access. The document handed to the view
// must not be retained after Project returns.
func FetchView[T any](s *SharedState, v View[T]) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return v.Project(s.doc)
}

func toDocument(initial any) (Document, error) {
	switch v := initial.(type) {
	case nil:
		return Document{}, nil
	case Document:
		return normalizeMap(v)
	case map[string]any:
		return normalizeMap(v)
	}

	data, err := json.Marshal(initial)
	if err != nil {
		return nil, &StateError{Op: "init", Code: ErrCodeEncode, Cause: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StateError{Op: "init", Code: ErrCodeTypeMismatch,
			Cause: fmt.Errorf("initial state must encode to an object: %w", err)}
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func normalizeMap(m map[string]any) (Document, error) {
	doc := make(Document, len(m))
	for k, v := range m {
		nv, err := normalize(v)
		if err != nil {
			return nil, &StateError{Op: "init", Field: k, Code: ErrCodeEncode, Cause: err}
		}
		doc[k] = nv
	}
	return doc, nil
}

// normalize converts a Go value into the JSON value model used by Document.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x, nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return x
	}
}
