package projectconfig

import "encoding/json"

// normalize brings YAML and JSON decoded values to one representation so
// that equal documents compare equal regardless of where they came from.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
