package updater

import (
	"encoding/json"
	"fmt"
)

// State is the data bag threaded through every step of one workflow run.
// Values are kept in their JSON-decoded form (string, float64, bool, nil,
// []any, map[string]any) so a state always equals its own decoded token.
type State map[string]any

// Put stores v under key after normalizing it through JSON.
// It panics if v cannot be represented as JSON.
func (s State) Put(key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("state value %q is not JSON encodable: %v", key, err))
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		panic(fmt.Sprintf("state value %q did not round trip: %v", key, err))
	}
	s[key] = norm
}

// Bind decodes the value under key into dst. It returns false when the key is absent.
func (s State) Bind(key string, dst any) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return true, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return true, fmt.Errorf("state value %q: %w", key, err)
	}
	return true, nil
}

func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Strings returns the list under key, skipping non string members.
func (s State) Strings(key string) []string {
	raw, _ := s[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// StringMap returns the string valued map under key.
func (s State) StringMap(key string) map[string]string {
	raw, _ := s[key].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge copies every key of overrides into s.
func (s State) Merge(overrides State) {
	for k, v := range overrides {
		s.Put(k, v)
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, inner := range t {
			l[i] = cloneValue(inner)
		}
		return l
	default:
		return v
	}
}
