package execution

import (
	"time"

	"github.com/Strob0t/auditrt/internal/domain/finding"
)

// Snapshot is the serializable form of a Context.
type Snapshot struct {
	ID           string            `json:"audit_id"`
	ProjectID    string            `json:"project_id,omitempty"`
	State        State             `json:"state"`
	Stage        Stage             `json:"current_stage"`
	Progress     map[Stage]float64 `json:"stage_progress"`
	Spans        []Span            `json:"spans,omitempty"`
	ActiveSpanID string            `json:"active_span_id,omitempty"`
	Findings     []finding.Finding `json:"findings,omitempty"`
	Counters     Counters          `json:"counters"`
	Errors       []LogEntry        `json:"errors,omitempty"`
	Warnings     []LogEntry        `json:"warnings,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CompletedAt  time.Time         `json:"completed_at,omitempty"`
	UpdatedAt    time.Time         `json:"last_updated"`
}

// Snapshot captures the full state of c.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:           c.id,
		ProjectID:    c.projectID,
		State:        c.state,
		Stage:        c.stage,
		Progress:     make(map[Stage]float64, len(c.progress)),
		ActiveSpanID: c.active,
		Findings:     append([]finding.Finding(nil), c.findings...),
		Counters:     c.counters,
		Errors:       append([]LogEntry(nil), c.errors...),
		Warnings:     append([]LogEntry(nil), c.warnings...),
		Metadata:     make(map[string]any, len(c.metadata)),
		CreatedAt:    c.createdAt,
		StartedAt:    c.startedAt,
		CompletedAt:  c.completedAt,
		UpdatedAt:    c.updatedAt,
	}
	for s, p := range c.progress {
		snap.Progress[s] = p
	}
	for _, s := range c.spans {
		snap.Spans = append(snap.Spans, *s)
	}
	for k, v := range c.metadata {
		snap.Metadata[k] = v
	}
	return snap
}

// Restore rebuilds a Context from a snapshot.
func Restore(snap Snapshot, opts ...Option) *Context {
	c := New(snap.ID, opts...)
	c.projectID = snap.ProjectID
	c.state = snap.State
	c.stage = snap.Stage
	for s, p := range snap.Progress {
		c.progress[s] = p
	}
	for i := range snap.Spans {
		s := snap.Spans[i]
		c.spans = append(c.spans, &s)
		c.byID[s.ID] = &s
	}
	c.active = snap.ActiveSpanID
	for _, f := range snap.Findings {
		key := f.HashKey
		if key == "" {
			key = f.Key()
		}
		c.findingKeys[key] = struct{}{}
		c.findings = append(c.findings, f)
	}
	c.counters = snap.Counters
	c.errors = append(c.errors, snap.Errors...)
	c.warnings = append(c.warnings, snap.Warnings...)
	for k, v := range snap.Metadata {
		c.metadata[k] = v
	}
	c.createdAt = snap.CreatedAt
	c.startedAt = snap.StartedAt
	c.completedAt = snap.CompletedAt
	c.updatedAt = snap.UpdatedAt
	return c
}
