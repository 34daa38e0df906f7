package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/auditrt/internal/domain/event"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// marshalPayload encodes an event payload. nil payloads become an empty
// object to satisfy the NOT NULL column.
func marshalPayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// typeStrings converts event types to a pgx-compatible text array.
func typeStrings(types []event.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
