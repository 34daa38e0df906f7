// Package finding defines the security finding reported by analysis workers.
package finding

import (
	"fmt"
	"time"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is one discovered issue.
type Finding struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title"`
	Type         string         `json:"vulnerability_type"`
	Severity     Severity       `json:"severity"`
	FilePath     string         `json:"file_path"`
	Line         int            `json:"line_number"`
	Description  string         `json:"description,omitempty"`
	Verified     bool           `json:"verified,omitempty"`
	HashKey      string         `json:"hash_key,omitempty"`
	DiscoveredAt time.Time      `json:"discovered_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Key returns the default dedup key "file_path:line:type".
func (f Finding) Key() string {
	return fmt.Sprintf("%s:%d:%s", f.FilePath, f.Line, f.Type)
}

// Location returns "file:line", or just the file when the line is unknown.
func (f Finding) Location() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d", f.FilePath, f.Line)
	}
	return f.FilePath
}

// FromMap reads a finding from a loosely typed payload, as produced by
// workers and carried in events. Unknown keys land in Metadata.
func FromMap(m map[string]any) Finding {
	f := Finding{Metadata: map[string]any{}}
	for k, v := range m {
		switch k {
		case "id":
			f.ID = str(v)
		case "title":
			f.Title = str(v)
		case "vulnerability_type", "type":
			if f.Type == "" || k == "vulnerability_type" {
				f.Type = str(v)
			}
		case "severity":
			f.Severity = Severity(str(v))
		case "file_path", "location":
			if f.FilePath == "" || k == "file_path" {
				f.FilePath = str(v)
			}
		case "line_number", "line":
			if n, ok := toInt(v); ok && (f.Line == 0 || k == "line_number") {
				f.Line = n
			}
		case "description":
			f.Description = str(v)
		case "verified":
			f.Verified, _ = v.(bool)
		case "hash_key":
			f.HashKey = str(v)
		default:
			f.Metadata[k] = v
		}
	}
	if len(f.Metadata) == 0 {
		f.Metadata = nil
	}
	return f
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
