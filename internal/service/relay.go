package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/Strob0t/auditrt/internal/domain/handoff"
	"github.com/Strob0t/auditrt/internal/domain/task"
)

// StageKinds are the task kinds used by the built-in workflows.
var StageKinds = []string{
	"init", "recon", "static_analysis", "dependency_analysis",
	"secret_scan", "verification", "report",
}

// RelayWorker forwards the handoffs of its upstream tasks as one handoff
// from its own kind. It stands in for stage kinds that have no analysis
// worker registered.
type RelayWorker struct {
	Kind string
}

// Run merges the upstream handoffs. payload["summary"] overrides the default
// summary and payload["to"] names the receiving stage.
func (w RelayWorker) Run(ctx context.Context, in task.Input) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	to, _ := in.Payload["to"].(string)
	if to == "" {
		to = "next"
	}
	b := handoff.NewBuilder(w.Kind, to)
	summary, _ := in.Payload["summary"].(string)
	if summary == "" {
		summary = w.Kind + " completed"
	}
	b.Summary(summary)

	for _, id := range slices.Sorted(maps.Keys(in.Upstream)) {
		h, ok := in.Upstream[id].(handoff.Handoff)
		if !ok {
			continue
		}
		b.Completed(h.From + ": " + h.Summary)
		b.Findings(h.KeyFindings...)
		b.Insight(h.Insights...)
		b.Attention(h.AttentionPoints...)
		b.Priority(h.PriorityAreas...)
	}
	return b.Build()
}

// RegisterRelayKinds registers a RelayWorker for every kind not yet known
// to reg.
func RegisterRelayKinds(reg *task.Registry, kinds ...string) error {
	known := reg.Kinds()
	for _, k := range kinds {
		if slices.Contains(known, k) {
			continue
		}
		kind := k
		if err := reg.Register(kind, func() task.Worker { return RelayWorker{Kind: kind} }); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}
