package scheduler

import (
	"encoding/json"
	"fmt"
)

// mergeParams overlays override keys onto base. Both are JSON objects; an
// empty string counts as the empty object. The merge is shallow: schedule
// overrides replace template defaults key by key.
func mergeParams(base, override string) (string, error) {
	merged := map[string]json.RawMessage{}

	if err := decodeParams(base, &merged); err != nil {
		return "", fmt.Errorf("invalid base params: %w", err)
	}

	over := map[string]json.RawMessage{}
	if err := decodeParams(override, &over); err != nil {
		return "", fmt.Errorf("invalid override params: %w", err)
	}
	for k, v := range over {
		merged[k] = v
	}

	if len(merged) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode merged params: %w", err)
	}
	return string(b), nil
}

func decodeParams(raw string, into *map[string]json.RawMessage) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), into)
}
