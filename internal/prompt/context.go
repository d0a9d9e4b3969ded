package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// ContextInput holds the facts the execution-context block is built from.
// The block is appended verbatim to the rendered policy document so the
// agent always knows where it is running and which artifacts feed the stage.
type ContextInput struct {
	WorkspaceRoot string
	Stage         string
	Phase         string
	StoryKey      string
	EpicKey       string
	Branch        string
	BaseBranch    string
	ContextDirs   []string
	Artifacts     map[string]string // label -> workspace-relative path
	Notes         []string
}

// BuildContextBlock renders the structured execution-context block.
func BuildContextBlock(in ContextInput) string {
	var sb strings.Builder
	sb.WriteString("## Execution Context\n\n")

	fmt.Fprintf(&sb, "- Workspace root: %s\n", in.WorkspaceRoot)
	if in.Phase != "" {
		fmt.Fprintf(&sb, "- Stage: %s (%s phase)\n", in.Stage, in.Phase)
	} else {
		fmt.Fprintf(&sb, "- Stage: %s\n", in.Stage)
	}
	if in.StoryKey != "" {
		fmt.Fprintf(&sb, "- Story: %s\n", in.StoryKey)
	}
	if in.EpicKey != "" {
		fmt.Fprintf(&sb, "- Epic: %s\n", in.EpicKey)
	}
	if in.Branch != "" {
		if in.BaseBranch != "" {
			fmt.Fprintf(&sb, "- Branch: %s (base: %s)\n", in.Branch, in.BaseBranch)
		} else {
			fmt.Fprintf(&sb, "- Branch: %s\n", in.Branch)
		}
	}

	if len(in.Artifacts) > 0 {
		sb.WriteString("\n### Input Artifacts\n\n")
		labels := make([]string, 0, len(in.Artifacts))
		for label := range in.Artifacts {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(&sb, "- %s: %s\n", label, in.Artifacts[label])
		}
	}

	if len(in.ContextDirs) > 0 {
		sb.WriteString("\n### Reference Directories\n\n")
		sb.WriteString("Read these before starting; they hold project context the\nstage instructions assume you know.\n\n")
		for _, dir := range in.ContextDirs {
			fmt.Fprintf(&sb, "- %s\n", dir)
		}
	}

	for _, note := range in.Notes {
		fmt.Fprintf(&sb, "\n%s\n", note)
	}

	return sb.String()
}

// Compose joins a rendered policy document and its execution-context block
// into the final instruction handed to the agent.
func Compose(policy, contextBlock string) string {
	policy = strings.TrimRight(policy, "\n")
	return policy + "\n\n---\n\n" + contextBlock
}
