// Package handoff provides the structured context passed from one pipeline
// stage to the next.
package handoff

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/auditrt/internal/domain/finding"
)

// MaxKeyFindings caps the findings carried by one handoff.
const MaxKeyFindings = 10

// Action is a follow-up the sending stage suggests.
type Action struct {
	Description string `json:"description"`
	Target      string `json:"target,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Handoff is an immutable summary of a finished stage. Build one with a
// Builder or FromResult; treat the slices as read-only.
type Handoff struct {
	ID               string            `json:"handoff_id"`
	From             string            `json:"from_agent"`
	To               string            `json:"to_agent"`
	Summary          string            `json:"summary"`
	WorkCompleted    []string          `json:"work_completed,omitempty"`
	KeyFindings      []finding.Finding `json:"key_findings,omitempty"`
	Insights         []string          `json:"insights,omitempty"`
	SuggestedActions []Action          `json:"suggested_actions,omitempty"`
	AttentionPoints  []string          `json:"attention_points,omitempty"`
	PriorityAreas    []string          `json:"priority_areas,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Validate checks that a Handoff has all required fields.
func (h Handoff) Validate() error {
	if h.From == "" {
		return errors.New("from is required")
	}
	if h.To == "" {
		return errors.New("to is required")
	}
	if h.Summary == "" {
		return errors.New("summary is required")
	}
	return nil
}

// Builder accumulates the parts of a handoff.
type Builder struct {
	h       Handoff
	summary []string
	now     func() time.Time
}

// NewBuilder starts a handoff from one stage to another.
func NewBuilder(from, to string) *Builder {
	return &Builder{h: Handoff{From: from, To: to}, now: time.Now}
}

// Summary appends a summary line.
func (b *Builder) Summary(line string) *Builder {
	if line != "" {
		b.summary = append(b.summary, line)
	}
	return b
}

// Completed records finished work items.
func (b *Builder) Completed(items ...string) *Builder {
	b.h.WorkCompleted = append(b.h.WorkCompleted, items...)
	return b
}

// Findings adds findings. Findings past MaxKeyFindings are dropped.
func (b *Builder) Findings(fs ...finding.Finding) *Builder {
	room := MaxKeyFindings - len(b.h.KeyFindings)
	if room <= 0 {
		return b
	}
	if len(fs) > room {
		fs = fs[:room]
	}
	b.h.KeyFindings = append(b.h.KeyFindings, fs...)
	return b
}

// Insight records an analysis insight.
func (b *Builder) Insight(items ...string) *Builder {
	b.h.Insights = append(b.h.Insights, items...)
	return b
}

// Attention records points the next stage should look at.
func (b *Builder) Attention(items ...string) *Builder {
	b.h.AttentionPoints = append(b.h.AttentionPoints, items...)
	return b
}

// Priority records areas to handle first.
func (b *Builder) Priority(areas ...string) *Builder {
	b.h.PriorityAreas = append(b.h.PriorityAreas, areas...)
	return b
}

// Suggest records a suggested follow-up action.
func (b *Builder) Suggest(actions ...Action) *Builder {
	b.h.SuggestedActions = append(b.h.SuggestedActions, actions...)
	return b
}

// Meta stores a metadata value.
func (b *Builder) Meta(key string, v any) *Builder {
	if b.h.Metadata == nil {
		b.h.Metadata = make(map[string]any)
	}
	b.h.Metadata[key] = v
	return b
}

// Build finalizes the handoff. The result shares no memory with the builder.
func (b *Builder) Build() (Handoff, error) {
	h := b.h
	h.Summary = strings.Join(b.summary, "\n")
	if err := h.Validate(); err != nil {
		return Handoff{}, fmt.Errorf("build handoff: %w", err)
	}
	h.ID = "handoff_" + uuid.NewString()[:8]
	h.Timestamp = b.now()
	h.WorkCompleted = slices.Clone(h.WorkCompleted)
	h.KeyFindings = slices.Clone(h.KeyFindings)
	h.Insights = slices.Clone(h.Insights)
	h.SuggestedActions = slices.Clone(h.SuggestedActions)
	h.AttentionPoints = slices.Clone(h.AttentionPoints)
	h.PriorityAreas = slices.Clone(h.PriorityAreas)
	h.Metadata = maps.Clone(h.Metadata)
	return h, nil
}

// FromResult builds a handoff from a stage result map with the keys summary,
// work_completed, findings, insights, suggested_actions, attention_points,
// priority_areas and metadata. A missing summary defaults to
// "<from> completed".
func FromResult(from, to string, result map[string]any) (Handoff, error) {
	b := NewBuilder(from, to)
	summary, _ := result["summary"].(string)
	if summary == "" {
		summary = from + " completed"
	}
	b.Summary(summary)
	b.Completed(stringList(result["work_completed"])...)
	b.Insight(stringList(result["insights"])...)
	b.Attention(stringList(result["attention_points"])...)
	b.Priority(stringList(result["priority_areas"])...)

	switch fs := result["findings"].(type) {
	case []finding.Finding:
		b.Findings(fs...)
	case []any:
		for _, v := range fs {
			if m, ok := v.(map[string]any); ok {
				b.Findings(finding.FromMap(m))
			}
		}
	}
	switch as := result["suggested_actions"].(type) {
	case []Action:
		b.Suggest(as...)
	case []any:
		for _, v := range as {
			if m, ok := v.(map[string]any); ok {
				d, _ := m["description"].(string)
				tgt, _ := m["target"].(string)
				p, _ := m["priority"].(string)
				b.Suggest(Action{Description: d, Target: tgt, Priority: p})
			}
		}
	}
	if md, ok := result["metadata"].(map[string]any); ok {
		for k, v := range md {
			b.Meta(k, v)
		}
	}
	return b.Build()
}

func stringList(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
