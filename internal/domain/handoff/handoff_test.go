package handoff

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Strob0t/auditrt/internal/domain/finding"
)

func TestBuilderBuild(t *testing.T) {
	b := NewBuilder("recon", "analysis").
		Summary("Mapped 42 endpoints").
		Summary("Found 3 entry points").
		Completed("crawled routes", "parsed config").
		Insight("auth middleware skipped on /admin").
		Attention("raw SQL in repository layer").
		Priority("internal/db").
		Suggest(Action{Description: "run taint analysis on db layer"}).
		Meta("files", 120)

	h, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if h.Summary != "Mapped 42 endpoints\nFound 3 entry points" {
		t.Errorf("unexpected summary %q", h.Summary)
	}
	if !strings.HasPrefix(h.ID, "handoff_") || len(h.ID) != len("handoff_")+8 {
		t.Errorf("unexpected id %q", h.ID)
	}
	if h.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if len(h.WorkCompleted) != 2 || h.Metadata["files"] != 120 {
		t.Errorf("unexpected handoff %+v", h)
	}
}

func TestBuildIsImmutable(t *testing.T) {
	b := NewBuilder("a", "b").Summary("s").Completed("one").Meta("k", "v")
	h, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	b.Completed("two").Meta("k", "changed")
	if len(h.WorkCompleted) != 1 {
		t.Fatalf("builder mutation leaked into built handoff: %v", h.WorkCompleted)
	}
	if h.Metadata["k"] != "v" {
		t.Fatalf("builder metadata leaked: %v", h.Metadata)
	}
}

func TestFindingsCapped(t *testing.T) {
	b := NewBuilder("analysis", "verification").Summary("done")
	for i := range 15 {
		b.Findings(finding.Finding{Title: fmt.Sprintf("f%d", i)})
	}
	h, _ := b.Build()
	if len(h.KeyFindings) != MaxKeyFindings {
		t.Fatalf("expected %d findings, got %d", MaxKeyFindings, len(h.KeyFindings))
	}
	if h.KeyFindings[9].Title != "f9" {
		t.Fatalf("expected first findings kept, got %s", h.KeyFindings[9].Title)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
		err  string
	}{
		{"missing from", NewBuilder("", "b").Summary("s"), "from is required"},
		{"missing to", NewBuilder("a", "").Summary("s"), "to is required"},
		{"missing summary", NewBuilder("a", "b"), "summary is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			if err == nil || !strings.Contains(err.Error(), tt.err) {
				t.Fatalf("expected %q, got %v", tt.err, err)
			}
		})
	}
}

func TestFromResult(t *testing.T) {
	findings := make([]any, 0, 12)
	for i := range 12 {
		findings = append(findings, map[string]any{
			"title":              fmt.Sprintf("issue %d", i),
			"vulnerability_type": "xss",
			"severity":           "medium",
			"file_path":          "ui.js",
			"line_number":        float64(i + 1),
		})
	}
	h, err := FromResult("analysis", "verification", map[string]any{
		"findings":          findings,
		"insights":          []any{"templating escapes disabled"},
		"work_completed":    []string{"scanned 10 files"},
		"suggested_actions": []any{map[string]any{"description": "verify with PoC"}},
		"metadata":          map[string]any{"model": "m1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.Summary != "analysis completed" {
		t.Errorf("expected default summary, got %q", h.Summary)
	}
	if len(h.KeyFindings) != MaxKeyFindings || h.KeyFindings[0].Line != 1 {
		t.Errorf("unexpected findings %+v", h.KeyFindings)
	}
	if len(h.Insights) != 1 || len(h.WorkCompleted) != 1 || len(h.SuggestedActions) != 1 {
		t.Errorf("unexpected lists %+v", h)
	}
	if h.Metadata["model"] != "m1" {
		t.Errorf("metadata not carried: %v", h.Metadata)
	}
}

func TestBriefing(t *testing.T) {
	h, _ := NewBuilder("recon", "analysis").
		Summary("Mapped the attack surface").
		Completed("crawled routes").
		Findings(finding.Finding{Title: "Open redirect", Type: "redirect", Severity: finding.SeverityLow, FilePath: "web/r.go", Line: 9}).
		Insight("no CSRF tokens").
		Suggest(Action{Description: "check login flow"}).
		Attention("legacy endpoints").
		Priority("auth").
		Build()

	out := h.Briefing()
	for _, want := range []string{
		"## Handoff from recon",
		"### Summary\nMapped the attack surface",
		"### Completed work\n- crawled routes",
		"**1. Open redirect**",
		"   - severity: low",
		"   - location: web/r.go:9",
		"### Insights\n- no CSRF tokens",
		"1. check login flow",
		"- [!] legacy endpoints",
		"- [P] auth",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("briefing missing %q:\n%s", want, out)
		}
	}

	minimal, _ := NewBuilder("a", "b").Summary("s").Build()
	if strings.Contains(minimal.Briefing(), "### Key findings") {
		t.Error("empty sections should be omitted")
	}
}
