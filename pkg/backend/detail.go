package backend

import (
	"encoding/json"
	"fmt"
)

// parseErrorDetail extracts a human-readable message and optional error
// code from a backend error body. The detail field may be a plain string
// or a structured object; anything unparseable degrades to a generic
// status-line message rather than an empty one.
func parseErrorDetail(body []byte, statusCode int) (message, code string) {
	fallback := fmt.Sprintf("HTTP %d", statusCode)

	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || len(wrapper.Detail) == 0 {
		return fallback, ""
	}

	var plain string
	if err := json.Unmarshal(wrapper.Detail, &plain); err == nil {
		if plain == "" {
			return fallback, ""
		}
		return plain, ""
	}

	var structured struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(wrapper.Detail, &structured); err == nil {
		if structured.Message != "" {
			return structured.Message, structured.Code
		}
		return fallback, structured.Code
	}

	return fallback, ""
}
