package bridge

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a handler result as the JSON text handed to the guest.
// A nil value becomes null.
func Marshal(v any) (string, error) {
	switch x := v.(type) {
	case json.RawMessage:
		if !json.Valid(x) {
			return "", fmt.Errorf("result is not valid JSON")
		}
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("result is not serializable: %w", err)
	}
	return string(b), nil
}

// ErrorPayload encodes a guest error description.
func ErrorPayload(name, message string) string {
	b, _ := json.Marshal(struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}{name, message})
	return string(b)
}
