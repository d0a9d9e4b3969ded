package pipeline

import (
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
)

// Stage names, in execution order.
const (
	StageEpicStories      = "epic-stories"
	StageImplementation   = "implementation"
	StageUnitTests        = "unit-tests"
	StageIntegrationTests = "integration-tests"
	StageTestExecution    = "test-execution"
)

// Def describes a stage: where its artifacts live, what each phase must
// produce, and the gate sitting between generation and publication.
type Def struct {
	Name       string
	Namespace  string
	Gate       string   // empty when the stage is ungated
	GenOutputs []string // must exist after the generation phase
	PubOutputs []string // must exist after the post-approval phase
	Requires   []string // stages whose outputs must already exist
	NeedsStory bool
}

// Defs returns the stage definitions in execution order.
//
// The implementation stage has no artifact prerequisite: its input is the
// tracker work item, which may have been created by epic-stories or by hand,
// and its lineage is verified against the tracker instead.
func Defs() []Def {
	return []Def{
		{
			Name:       StageEpicStories,
			Namespace:  StageEpicStories,
			Gate:       gate.GateA,
			GenOutputs: []string{"epics-and-stories.md", "stories.json"},
			PubOutputs: []string{"tracker-keys.json"},
		},
		{
			Name:       StageImplementation,
			Namespace:  StageImplementation,
			Gate:       gate.GateB,
			GenOutputs: []string{"implementation-summary.md", "pr.json"},
			NeedsStory: true,
		},
		{
			Name:       StageUnitTests,
			Namespace:  StageUnitTests,
			Gate:       gate.GateC,
			GenOutputs: []string{"unit-test-plan.md"},
			PubOutputs: []string{"unit-test-summary.md"},
			Requires:   []string{StageImplementation},
			NeedsStory: true,
		},
		{
			Name:       StageIntegrationTests,
			Namespace:  StageIntegrationTests,
			Gate:       gate.GateD,
			GenOutputs: []string{"integration-test-plan.md"},
			PubOutputs: []string{"integration-test-summary.md"},
			Requires:   []string{StageUnitTests},
			NeedsStory: true,
		},
		{
			Name:       StageTestExecution,
			Namespace:  testexec.Namespace,
			GenOutputs: []string{"result.json"},
			Requires:   []string{StageIntegrationTests},
			NeedsStory: true,
		},
	}
}

// DefByName looks up a stage definition by stage name.
func DefByName(name string) (Def, bool) {
	for _, d := range Defs() {
		if d.Name == name {
			return d, true
		}
	}
	return Def{}, false
}

// StageNames returns the stage names in execution order.
func StageNames() []string {
	defs := Defs()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
