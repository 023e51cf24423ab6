package query

import "encoding/json"

func jsonUnmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func paramsJSON(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func arrayJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return b
}
