// Package execution holds the per-session execution context: lifecycle
// state, the span tree, stage progress, deduplicated findings and counters.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/auditrt/internal/domain"
	"github.com/Strob0t/auditrt/internal/domain/finding"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state allows no further transition.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage is a phase of an audit.
type Stage string

const (
	StageInit         Stage = "init"
	StageRecon        Stage = "recon"
	StageAnalysis     Stage = "analysis"
	StageVerification Stage = "verification"
	StageReport       Stage = "report"
	StageComplete     Stage = "complete"
)

// StageWeights combine stage progress into the overall percentage.
var StageWeights = map[Stage]float64{
	StageInit:         0.05,
	StageRecon:        0.25,
	StageAnalysis:     0.50,
	StageVerification: 0.15,
	StageReport:       0.05,
}

// Span is a timed unit of work in the session's call tree.
type Span struct {
	ID        string         `json:"span_id"`
	ParentID  string         `json:"parent_span_id,omitempty"`
	OwnerID   string         `json:"owner_id"`
	Kind      string         `json:"kind"`
	Stage     Stage          `json:"stage"`
	StartedAt time.Time      `json:"start_time"`
	EndedAt   time.Time      `json:"end_time,omitempty"`
	Status    string         `json:"status"`
	Tokens    int            `json:"tokens_used"`
	ToolCalls int            `json:"tool_calls"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Ended reports whether the span has been closed.
func (s Span) Ended() bool { return !s.EndedAt.IsZero() }

// SpanNode is a span with its children, used for visualisation.
type SpanNode struct {
	Span
	Children []SpanNode `json:"children,omitempty"`
}

// LogEntry is a timestamped error or warning.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Counters aggregate session activity.
type Counters struct {
	Tokens       int `json:"total_tokens"`
	ToolCalls    int `json:"total_tool_calls"`
	FilesScanned int `json:"total_files_scanned"`
	Findings     int `json:"total_findings"`
}

// SpanObserver mirrors span lifecycle to an external tracer.
type SpanObserver interface {
	SpanStarted(sessionID string, s Span)
	SpanEnded(sessionID string, s Span)
}

// Context is the execution context of one session. It is safe for
// concurrent use.
type Context struct {
	mu sync.Mutex

	id        string
	projectID string
	state     State
	stage     Stage
	progress  map[Stage]float64

	spans  []*Span
	byID   map[string]*Span
	active string

	findings    []finding.Finding
	findingKeys map[string]struct{}
	counters    Counters

	errors   []LogEntry
	warnings []LogEntry
	metadata map[string]any

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	updatedAt   time.Time

	now      func() time.Time
	observer SpanObserver
}

// Option customizes a Context.
type Option func(*Context)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// WithObserver mirrors spans to obs.
func WithObserver(obs SpanObserver) Option {
	return func(c *Context) { c.observer = obs }
}

// WithProject records the audited project.
func WithProject(projectID string) Option {
	return func(c *Context) { c.projectID = projectID }
}

// New creates a context in the created state.
func New(id string, opts ...Option) *Context {
	c := &Context{
		id:          id,
		state:       StateCreated,
		stage:       StageInit,
		progress:    make(map[Stage]float64),
		byID:        make(map[string]*Span),
		findingKeys: make(map[string]struct{}),
		metadata:    make(map[string]any),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.createdAt = c.now()
	c.updatedAt = c.createdAt
	return c
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stage returns the current stage.
func (c *Context) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (c *Context) touch() { c.updatedAt = c.now() }

func (c *Context) transition(to State, allowed ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, from := range allowed {
		if c.state == from {
			c.state = to
			switch {
			case to == StateRunning && c.startedAt.IsZero():
				c.startedAt = c.now()
			case to.Terminal():
				c.completedAt = c.now()
			}
			c.touch()
			return nil
		}
	}
	return fmt.Errorf("session %s: %s -> %s: %w", c.id, c.state, to, domain.ErrInvalidTransition)
}

// Start moves a created session to running.
func (c *Context) Start() error { return c.transition(StateRunning, StateCreated) }

// Pause suspends a running session.
func (c *Context) Pause() error { return c.transition(StatePaused, StateRunning) }

// Resume continues a paused session.
func (c *Context) Resume() error { return c.transition(StateRunning, StatePaused) }

// Complete finishes a running session and marks the complete stage.
func (c *Context) Complete() error {
	if err := c.transition(StateCompleted, StateRunning); err != nil {
		return err
	}
	c.mu.Lock()
	c.stage = StageComplete
	c.progress[StageComplete] = 100
	c.mu.Unlock()
	return nil
}

// Fail ends the session with reason recorded as an error.
func (c *Context) Fail(reason string) error {
	if err := c.transition(StateFailed, StateCreated, StateRunning, StatePaused); err != nil {
		return err
	}
	c.AddError(reason)
	return nil
}

// Cancel ends the session as cancelled.
func (c *Context) Cancel() error {
	return c.transition(StateCancelled, StateCreated, StateRunning, StatePaused)
}

// SetStage changes the current stage.
func (c *Context) SetStage(s Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stage = s
	c.touch()
}

// UpdateStageProgress sets the progress of stage, clamped to 0..100.
func (c *Context) UpdateStageProgress(s Stage, pct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[s] = min(max(pct, 0), 100)
	c.touch()
}

// StageProgress returns the progress of stage.
func (c *Context) StageProgress(s Stage) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress[s]
}

// OverallProgress returns the weighted sum of stage progress, 0..100.
func (c *Context) OverallProgress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for s, w := range StageWeights {
		total += c.progress[s] * w
	}
	return min(total, 100)
}

// StartSpan opens a span and makes it active. An empty parentID nests the
// span under the currently active span. Returns the span id.
func (c *Context) StartSpan(ownerID, kind string, stage Stage, parentID string, meta map[string]any) string {
	return c.startSpan(uuid.NewString(), ownerID, kind, stage, parentID, meta)
}

func (c *Context) startSpan(id, ownerID, kind string, stage Stage, parentID string, meta map[string]any) string {
	c.mu.Lock()
	if parentID == "" {
		parentID = c.active
	}
	s := &Span{
		ID:        id,
		ParentID:  parentID,
		OwnerID:   ownerID,
		Kind:      kind,
		Stage:     stage,
		StartedAt: c.now(),
		Status:    "running",
		Metadata:  meta,
	}
	c.spans = append(c.spans, s)
	c.byID[s.ID] = s
	c.active = s.ID
	c.touch()
	view, obs := *s, c.observer
	c.mu.Unlock()

	if obs != nil {
		obs.SpanStarted(c.id, view)
	}
	return view.ID
}

// EndSpan closes spanID with status and its counters. If it was the active
// span, its nearest ancestor that has not ended becomes active.
func (c *Context) EndSpan(spanID, status string, tokens, toolCalls int) error {
	c.mu.Lock()
	s, ok := c.byID[spanID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("span %s: %w", spanID, domain.ErrNotFound)
	}
	if s.Ended() {
		c.mu.Unlock()
		return fmt.Errorf("span %s already ended: %w", spanID, domain.ErrInvalidTransition)
	}
	if status == "" {
		status = "completed"
	}
	s.EndedAt = c.now()
	s.Status = status
	s.Tokens = tokens
	s.ToolCalls = toolCalls
	s.Duration = s.EndedAt.Sub(s.StartedAt)
	if c.active == spanID {
		c.active = c.openAncestorLocked(s.ParentID)
	}
	c.touch()
	view, obs := *s, c.observer
	c.mu.Unlock()

	if obs != nil {
		obs.SpanEnded(c.id, view)
	}
	return nil
}

// openAncestorLocked returns id or its nearest ancestor that has not ended,
// "" when there is none.
func (c *Context) openAncestorLocked(id string) string {
	for id != "" {
		s, ok := c.byID[id]
		if !ok {
			return ""
		}
		if !s.Ended() {
			return id
		}
		id = s.ParentID
	}
	return ""
}

// ActiveSpan returns the currently active span.
func (c *Context) ActiveSpan() (Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[c.active]
	if !ok {
		return Span{}, false
	}
	return *s, true
}

// Spans returns all spans in start order.
func (c *Context) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Span, len(c.spans))
	for i, s := range c.spans {
		out[i] = *s
	}
	return out
}

// SpanTree returns the spans as a forest rooted at spans without a known parent.
func (c *Context) SpanTree() []SpanNode {
	spans := c.Spans()
	children := make(map[string][]Span)
	known := make(map[string]bool, len(spans))
	for _, s := range spans {
		known[s.ID] = true
	}
	var roots []Span
	for _, s := range spans {
		if s.ParentID == "" || !known[s.ParentID] {
			roots = append(roots, s)
			continue
		}
		children[s.ParentID] = append(children[s.ParentID], s)
	}
	var build func(s Span) SpanNode
	build = func(s Span) SpanNode {
		n := SpanNode{Span: s}
		for _, ch := range children[s.ID] {
			n.Children = append(n.Children, build(ch))
		}
		return n
	}
	out := make([]SpanNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, build(r))
	}
	return out
}

// AddFinding records f unless a finding with the same key was already
// recorded. An empty key uses f.Key(). Reports whether f was new.
func (c *Context) AddFinding(f finding.Finding, key string) bool {
	if key == "" {
		key = f.Key()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.findingKeys[key]; dup {
		return false
	}
	f.HashKey = key
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = c.now()
	}
	c.findingKeys[key] = struct{}{}
	c.findings = append(c.findings, f)
	c.counters.Findings++
	c.touch()
	return true
}

// Findings returns the recorded findings in discovery order.
func (c *Context) Findings() []finding.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]finding.Finding(nil), c.findings...)
}

// FindingsBySeverity returns the findings of one severity.
func (c *Context) FindingsBySeverity(sev finding.Severity) []finding.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []finding.Finding
	for _, f := range c.findings {
		if f.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

// AddTokens adds to the token counter.
func (c *Context) AddTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Tokens += n
	c.touch()
}

// AddToolCall increments the tool call counter.
func (c *Context) AddToolCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.ToolCalls++
	c.touch()
}

// AddFilesScanned adds to the scanned file counter.
func (c *Context) AddFilesScanned(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.FilesScanned += n
	c.touch()
}

// Counters returns the aggregate counters.
func (c *Context) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// AddError appends a timestamped error.
func (c *Context) AddError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, LogEntry{At: c.now(), Message: msg})
	c.touch()
}

// AddWarning appends a timestamped warning.
func (c *Context) AddWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, LogEntry{At: c.now(), Message: msg})
	c.touch()
}

// Errors returns the recorded errors.
func (c *Context) Errors() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.errors...)
}

// Warnings returns the recorded warnings.
func (c *Context) Warnings() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.warnings...)
}

// SetMetadata stores a free-form value.
func (c *Context) SetMetadata(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = v
	c.touch()
}

// UpdatedAt returns the time of the last mutation.
func (c *Context) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}
