// Package prompt renders the language-model context bundle for one question.
package prompt

import (
	"fmt"
	"strings"

	"github.com/doppelhq/doppel/internal/models"
)

// Section is one labeled block of source data in the rendered context.
type Section struct {
	Label string
	Items []string
}

// Sections returns the agent's data sources in their fixed render order:
// calendar, then messaging, then issue tracker. Empty sources are omitted.
func Sections(agent models.AgentData) []Section {
	all := []Section{
		{Label: "Calendar", Items: agent.Sources.Calendar},
		{Label: "Slack", Items: agent.Sources.Messaging},
		{Label: "Linear", Items: agent.Sources.IssueTracker},
	}

	sections := make([]Section, 0, len(all))
	for _, s := range all {
		if len(s.Items) > 0 {
			sections = append(sections, s)
		}
	}
	return sections
}

// SourceLabels returns the labels of the non-empty sources, order preserved.
// The answer's "Sources:" footer is built from this.
func SourceLabels(agent models.AgentData) []string {
	sections := Sections(agent)
	labels := make([]string, 0, len(sections))
	for _, s := range sections {
		labels = append(labels, s.Label)
	}
	return labels
}

// Build renders the full context string for the model: a framing sentence
// naming the agent and quoting the question verbatim, followed by one bulleted
// section per non-empty source. Deterministic, no I/O, and no length cap -
// length management belongs to the answer layer.
func Build(agent models.AgentData, question string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are answering on behalf of %s. The question is: \"%s\"\n",
		agent.DisplayName, question)

	for _, section := range Sections(agent) {
		fmt.Fprintf(&b, "\n%s:\n", section.Label)
		for _, item := range section.Items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}

	return b.String()
}
