package loom

import (
	"encoding/json"
	"fmt"
	"time"
)

// SQL backends keep each entity as a JSON document next to the few columns
// they filter and order on.

func encodeDoc(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}

	return data, nil
}

func decodeDoc[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}

	return &v, nil
}

// stampRun sets the timestamps a store owns. existing is nil on insert.
func stampRun(run *Run, existing *time.Time) {
	now := time.Now().UTC()
	if existing != nil {
		run.CreatedAt = *existing
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
}

func nextCursor(runs []*Run, cursor string) string {
	if len(runs) == 0 {
		return cursor
	}

	return runs[len(runs)-1].ID
}
