package bundle

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// RequirementsMarkdown renders a requirement set for human review.
func RequirementsMarkdown(rs *pipeline.RequirementSet) string {
	var b strings.Builder
	b.WriteString("# Requirements Specification\n")

	if rs.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", rs.Summary)
	}

	if len(rs.Functional) > 0 {
		b.WriteString("\n## Functional Requirements\n")
		for _, r := range rs.Functional {
			fmt.Fprintf(&b, "\n### %s: %s\n\n", r.ID, r.Description)
			fmt.Fprintf(&b, "- **Priority:** %s\n", r.Priority)
			if r.Source != "" {
				fmt.Fprintf(&b, "- **Source:** %s\n", r.Source)
			}
			writeList(&b, "Acceptance Criteria", r.AcceptanceCriteria)
			writeList(&b, "Edge Cases", r.EdgeCases)
		}
	}

	if len(rs.NonFunctional) > 0 {
		b.WriteString("\n## Non-Functional Requirements\n\n")
		for _, r := range rs.NonFunctional {
			fmt.Fprintf(&b, "- **%s:** %s (Priority: %s)\n", r.ID, r.Description, r.Priority)
		}
	}

	if len(rs.Constraints) > 0 {
		b.WriteString("\n## Constraints\n\n")
		for _, r := range rs.Constraints {
			fmt.Fprintf(&b, "- **%s:** %s\n", r.ID, r.Description)
		}
	}

	writeSection(&b, "Edge Cases", rs.EdgeCases)
	writeSection(&b, "Assumptions", rs.Assumptions)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s:**\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
