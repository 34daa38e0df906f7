package handoff

import (
	"fmt"
	"strings"
)

// Briefing renders the handoff as markdown for the receiving stage's prompt.
func (h Handoff) Briefing() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Handoff from %s\n\n", h.From)
	sb.WriteString("### Summary\n")
	sb.WriteString(h.Summary)
	sb.WriteString("\n")

	writeList(&sb, "Completed work", "- ", h.WorkCompleted)

	if len(h.KeyFindings) > 0 {
		sb.WriteString("\n### Key findings\n")
		for i, f := range h.KeyFindings {
			title := f.Title
			if title == "" {
				title = "Untitled"
			}
			typ := f.Type
			if typ == "" {
				typ = "unknown"
			}
			sev := string(f.Severity)
			if sev == "" {
				sev = "unknown"
			}
			fmt.Fprintf(&sb, "**%d. %s**\n", i+1, title)
			fmt.Fprintf(&sb, "   - type: %s\n", typ)
			fmt.Fprintf(&sb, "   - severity: %s\n", sev)
			if loc := f.Location(); loc != "" {
				fmt.Fprintf(&sb, "   - location: %s\n", loc)
			}
		}
	}

	writeList(&sb, "Insights", "- ", h.Insights)

	if len(h.SuggestedActions) > 0 {
		sb.WriteString("\n### Suggested actions\n")
		for i, a := range h.SuggestedActions {
			d := a.Description
			if d == "" {
				d = "Unnamed action"
			}
			fmt.Fprintf(&sb, "%d. %s\n", i+1, d)
		}
	}

	writeList(&sb, "Attention points", "- [!] ", h.AttentionPoints)
	writeList(&sb, "Priority areas", "- [P] ", h.PriorityAreas)
	return sb.String()
}

func writeList(sb *strings.Builder, title, bullet string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n### %s\n", title)
	for _, it := range items {
		sb.WriteString(bullet)
		sb.WriteString(it)
		sb.WriteString("\n")
	}
}
