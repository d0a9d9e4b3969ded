package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/agent"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/config"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/prompt"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/tracker"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/vcs"
)

// AgentInvoker runs the coding agent against the workspace. Satisfied by
// agent.ExecInvoker.
type AgentInvoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Tracker is the slice of the issue tracker client the runner needs.
type Tracker interface {
	CreateEpic(title, description string) (string, error)
	CreateStory(title, description, parentKey, priority string) (string, error)
	GetIssue(key string) (*tracker.WorkItem, error)
}

// CodeHost is the slice of the version control client the runner needs.
type CodeHost interface {
	EnsureBranch(name, base string) error
	CommitAll(message string) (bool, error)
	Push(branch string) error
	CreatePR(opts vcs.PRCreateOpts) (*vcs.PRCreateResult, error)
	FindPRByBranch(branch string) (*vcs.PRCreateResult, error)
}

// Gatekeeper blocks stages at their approval gates.
type Gatekeeper interface {
	Await(ctx context.Context, opts gate.AwaitOpts) (*gate.Decision, error)
	RequestReview(opts gate.AwaitOpts) error
	Load(gateName string) (*gate.Decision, error)
	Clear(gateName string) error
}

// EventLog records pipeline happenings for later reporting. Satisfied by
// db.DB; a nil EventLog disables recording.
type EventLog interface {
	LogPipelineEvent(workspace, story, stage, event, detail string) error
	LogTestAttempt(workspace, story string, attempt int, passed bool, exitCode, durationMs int, outputPath string) error
	LogAgentInvocation(workspace, story, stage, phase, model string, exitCode, durationMs int, transcriptPath string) error
}

// Deps wires a Runner's collaborators.
type Deps struct {
	Config    *config.Config
	Workspace string
	Store     *artifact.Store
	State     *StateStore
	Agent     AgentInvoker
	Tracker   Tracker
	Host      CodeHost
	Gates     Gatekeeper
	Events    EventLog
	TestLoop  func(ctx context.Context, opts testexec.LoopOpts) (*testexec.LoopResult, error)
	Logf      func(format string, args ...interface{})
}

// Runner executes pipeline stages against a workspace: agent generation,
// output verification, gate approval, then publication.
type Runner struct {
	cfg       *config.Config
	workspace string
	store     *artifact.Store
	state     *StateStore
	agent     AgentInvoker
	tracker   Tracker
	host      CodeHost
	gates     Gatekeeper
	events    EventLog
	testLoop  func(ctx context.Context, opts testexec.LoopOpts) (*testexec.LoopResult, error)
	logf      func(format string, args ...interface{})
}

// NewRunner creates a Runner from its dependencies.
func NewRunner(deps Deps) *Runner {
	r := &Runner{
		cfg:       deps.Config,
		workspace: deps.Workspace,
		store:     deps.Store,
		state:     deps.State,
		agent:     deps.Agent,
		tracker:   deps.Tracker,
		host:      deps.Host,
		gates:     deps.Gates,
		events:    deps.Events,
		testLoop:  deps.TestLoop,
		logf:      deps.Logf,
	}
	if r.logf == nil {
		r.logf = func(string, ...interface{}) {}
	}
	if r.testLoop == nil {
		r.testLoop = testexec.Run
	}
	return r
}

// StageOpts controls one stage invocation.
type StageOpts struct {
	Story        string // work item key; required for story-scoped stages
	PolicyFile   string // overrides the generation-phase policy document
	GenerateOnly bool   // stop after generation, leaving the gate pending
	PublishOnly  bool   // skip generation; gate and publish existing artifacts
}

// stagePhases holds the per-stage behavior runStage threads the common
// lifecycle through.
type stagePhases struct {
	check    func(ctx context.Context) error // preconditions, before any namespace write
	generate func(ctx context.Context) error
	publish  func(ctx context.Context) error // after approval; nil when the stage has none
}

// RunEpicStories decomposes the BRD into epics and stories, then creates the
// tracker work items once a reviewer approves the breakdown.
func (r *Runner) RunEpicStories(ctx context.Context, opts StageOpts) error {
	def, _ := DefByName(StageEpicStories)
	return r.runStage(ctx, def, opts, stagePhases{
		generate: func(ctx context.Context) error {
			brd, err := r.loadBRD()
			if err != nil {
				return err
			}
			cin := r.contextInput(def.Name, "generate", "", "", "")
			return r.invokeAgent(ctx, def.Namespace, "generate", "epic-stories", opts.PolicyFile, prompt.Vars{"brd": brd}, cin)
		},
		publish: func(ctx context.Context) error {
			return r.publishStories(opts)
		},
	})
}

// RunImplementation implements one story on its own branch and opens a pull
// request, all before the gate: the reviewer approves working code, not a
// promise of it.
func (r *Runner) RunImplementation(ctx context.Context, opts StageOpts) error {
	def, _ := DefByName(StageImplementation)
	var story, epic *tracker.WorkItem
	return r.runStage(ctx, def, opts, stagePhases{
		check: func(context.Context) error {
			var err error
			story, epic, err = r.storyLineage(opts.Story)
			return err
		},
		generate: func(ctx context.Context) error {
			branch := vcs.BranchForStory(story.Key)
			if err := r.host.EnsureBranch(branch, r.cfg.Workflow.BaseBranch); err != nil {
				return &GatewayError{Gateway: "vcs", Op: "ensure branch " + branch, Err: err}
			}
			_, _ = r.state.Update(func(st *RunState) {
				st.Story = story.Key
				st.Epic = epic.Key
				st.Branch = branch
			})

			cin := r.contextInput(def.Name, "generate", story.Key, epic.Key, branch)
			if r.store.Exists(StageEpicStories, "epics-and-stories.md") {
				cin.Artifacts = map[string]string{
					"Story breakdown": r.store.Path(StageEpicStories, "epics-and-stories.md"),
				}
			}
			if err := r.invokeAgent(ctx, def.Namespace, "generate", "implementation", opts.PolicyFile, storyVars(story, epic), cin); err != nil {
				return err
			}

			title := fmt.Sprintf("%s: %s", story.Key, story.Title)
			committed, err := r.host.CommitAll(title)
			if err != nil {
				return &GatewayError{Gateway: "vcs", Op: "commit", Err: err}
			}
			if !committed {
				r.logf("agent made no workspace changes to commit")
			}
			if err := r.host.Push(branch); err != nil {
				return &GatewayError{Gateway: "vcs", Op: "push " + branch, Err: err}
			}

			pr, err := r.ensurePR(story, branch)
			if err != nil {
				return err
			}
			return r.store.WriteJSON(def.Namespace, "pr.json", pr)
		},
	})
}

// RunUnitTests plans unit tests for the story, gates the plan, then writes
// the tests from the approved plan and pushes them to the story branch.
func (r *Runner) RunUnitTests(ctx context.Context, opts StageOpts) error {
	def, _ := DefByName(StageUnitTests)
	return r.runTestStage(ctx, def, opts, "unit-tests-plan", "unit-tests-code",
		"unit-test-plan.md", "add unit tests", nil)
}

// RunIntegrationTests mirrors RunUnitTests for the integration suite, with
// the unit test summary available to the planner.
func (r *Runner) RunIntegrationTests(ctx context.Context, opts StageOpts) error {
	def, _ := DefByName(StageIntegrationTests)
	extra := func(vars prompt.Vars) {
		vars["unit_test_summary"] = r.readOptional(StageUnitTests, "unit-test-summary.md")
	}
	return r.runTestStage(ctx, def, opts, "integration-tests-plan", "integration-tests-code",
		"integration-test-plan.md", "add integration tests", extra)
}

// runTestStage is the shared plan-gate-code lifecycle of the two test
// authoring stages.
func (r *Runner) runTestStage(ctx context.Context, def Def, opts StageOpts, planPolicy, codePolicy, planFile, commitVerb string, extraVars func(prompt.Vars)) error {
	var story, epic *tracker.WorkItem
	return r.runStage(ctx, def, opts, stagePhases{
		check: func(context.Context) error {
			var err error
			story, epic, err = r.storyLineage(opts.Story)
			if err != nil {
				return err
			}
			return r.checkStoryContinuity(opts.Story)
		},
		generate: func(ctx context.Context) error {
			vars := storyVars(story, epic)
			vars["implementation_summary"] = r.readOptional(StageImplementation, "implementation-summary.md")
			if extraVars != nil {
				extraVars(vars)
			}
			cin := r.contextInput(def.Name, "plan", story.Key, epic.Key, vcs.BranchForStory(story.Key))
			cin.Artifacts = map[string]string{
				"Implementation summary": r.store.Path(StageImplementation, "implementation-summary.md"),
			}
			return r.invokeAgent(ctx, def.Namespace, "plan", planPolicy, opts.PolicyFile, vars, cin)
		},
		publish: func(ctx context.Context) error {
			plan, err := r.store.Read(def.Namespace, planFile)
			if err != nil {
				return err
			}
			branch := vcs.BranchForStory(story.Key)
			if err := r.host.EnsureBranch(branch, r.cfg.Workflow.BaseBranch); err != nil {
				return &GatewayError{Gateway: "vcs", Op: "ensure branch " + branch, Err: err}
			}

			vars := storyVars(story, epic)
			vars["plan"] = string(plan)
			cin := r.contextInput(def.Name, "code", story.Key, epic.Key, branch)
			cin.Artifacts = map[string]string{"Approved plan": r.store.Path(def.Namespace, planFile)}
			if err := r.invokeAgent(ctx, def.Namespace, "code", codePolicy, "", vars, cin); err != nil {
				return err
			}

			committed, err := r.host.CommitAll(fmt.Sprintf("%s: %s", story.Key, commitVerb))
			if err != nil {
				return &GatewayError{Gateway: "vcs", Op: "commit", Err: err}
			}
			if !committed {
				r.logf("no test changes to commit")
				return nil
			}
			if err := r.host.Push(branch); err != nil {
				return &GatewayError{Gateway: "vcs", Op: "push " + branch, Err: err}
			}
			return nil
		},
	})
}

// RunTestExecution runs the bounded test-and-fix loop on the story branch.
// The stage is ungated; its verdict is the test suite's.
func (r *Runner) RunTestExecution(ctx context.Context, opts StageOpts) error {
	def, _ := DefByName(StageTestExecution)
	var story, epic *tracker.WorkItem
	return r.runStage(ctx, def, opts, stagePhases{
		check: func(context.Context) error {
			var err error
			story, epic, err = r.storyLineage(opts.Story)
			if err != nil {
				return err
			}
			return r.checkStoryContinuity(opts.Story)
		},
		generate: func(ctx context.Context) error {
			branch := vcs.BranchForStory(story.Key)
			if err := r.host.EnsureBranch(branch, r.cfg.Workflow.BaseBranch); err != nil {
				return &GatewayError{Gateway: "vcs", Op: "ensure branch " + branch, Err: err}
			}

			res, err := r.testLoop(ctx, testexec.LoopOpts{
				WorkspaceRoot: r.workspace,
				Branch:        branch,
				Command:       r.cfg.Tests.Command,
				Timeout:       r.cfg.TestTimeout(),
				MaxFixRetries: r.cfg.Tests.FixRetries(),
				Fixer:         &policyFixer{runner: r, story: story, epic: epic, branch: branch},
				Committer:     r.host,
				Store:         r.store,
				Logf:          r.logf,
				OnAttempt: func(attempt int, run *testexec.TestRun) {
					if r.events != nil {
						out := r.store.Path(testexec.Namespace, fmt.Sprintf("output-%d.txt", attempt))
						_ = r.events.LogTestAttempt(r.workspace, story.Key, attempt, run.Passed, run.ExitCode, run.DurationMs, out)
					}
				},
			})
			if res != nil {
				_, _ = r.state.Update(func(st *RunState) {
					st.Stage(def.Name).Attempts = res.Attempts
				})
			}
			return err
		},
	})
}

// RunAll walks every stage in order, skipping stages already completed for
// the current story. A gate rejection or stage failure halts the traversal.
func (r *Runner) RunAll(ctx context.Context, opts StageOpts) error {
	if opts.GenerateOnly || opts.PublishOnly {
		return fmt.Errorf("generate-only and publish-only apply to single stages, not a full run")
	}

	seq := []struct {
		name string
		run  func(context.Context, StageOpts) error
	}{
		{StageEpicStories, r.RunEpicStories},
		{StageImplementation, r.RunImplementation},
		{StageUnitTests, r.RunUnitTests},
		{StageIntegrationTests, r.RunIntegrationTests},
		{StageTestExecution, r.RunTestExecution},
	}

	st, err := r.state.Load()
	if err != nil {
		return err
	}
	for _, s := range seq {
		def, _ := DefByName(s.name)
		if st.Stage(s.name).Status == StatusCompleted && (!def.NeedsStory || st.Story == opts.Story) {
			r.logf("stage %s: already completed, skipping", s.name)
			continue
		}
		if err := s.run(ctx, opts); err != nil {
			return err
		}
		if st, err = r.state.Load(); err != nil {
			return err
		}
	}
	return nil
}

// StageInfo pairs a stage definition with its tracked state and any gate
// decision on file, for status display.
type StageInfo struct {
	Def      Def
	State    *StageState
	Decision *gate.Decision
}

// Status returns the persisted run state and per-stage details.
func (r *Runner) Status() (*RunState, []StageInfo, error) {
	st, err := r.state.Load()
	if err != nil {
		return nil, nil, err
	}
	infos := make([]StageInfo, 0, len(Defs()))
	for _, def := range Defs() {
		info := StageInfo{Def: def, State: st.Stage(def.Name)}
		if def.Gate != "" {
			if d, err := r.gates.Load(def.Gate); err == nil {
				info.Decision = d
			}
		}
		infos = append(infos, info)
	}
	return st, infos, nil
}

// runStage drives the common stage lifecycle: prerequisites, generation into
// a reset namespace, output verification, the gate, then publication.
// Regenerating a stage clears any earlier decision on its gate, so an
// approval never outlives the artifacts it approved.
func (r *Runner) runStage(ctx context.Context, def Def, opts StageOpts, ph stagePhases) error {
	if def.NeedsStory && opts.Story == "" {
		return fmt.Errorf("stage %s requires a story key", def.Name)
	}
	if def.Gate == "" && (opts.GenerateOnly || opts.PublishOnly) {
		return fmt.Errorf("stage %s has no gate; generate-only and publish-only do not apply", def.Name)
	}
	if err := r.checkPrereqs(def); err != nil {
		return err
	}

	mark := func(status StageStatus, detail string) {
		_, _ = r.state.Update(func(st *RunState) {
			st.SetStage(def.Name, status, detail)
		})
	}
	fail := func(err error) error {
		mark(StatusFailed, err.Error())
		r.logEvent(opts.Story, def.Name, "stage_failed", err.Error())
		return err
	}

	if opts.PublishOnly {
		r.logEvent(opts.Story, def.Name, "stage_resumed", "")
		r.logf("stage %s: resuming at gate %s", def.Name, def.Gate)
	} else {
		mark(StatusRunning, "")
		r.logEvent(opts.Story, def.Name, "stage_started", "")
		r.logf("stage %s: running", def.Name)
	}

	if ph.check != nil {
		if err := ph.check(ctx); err != nil {
			return fail(err)
		}
	}

	if opts.PublishOnly {
		if err := r.verifyOutputs(def.Name, def.Namespace, def.GenOutputs); err != nil {
			return fail(err)
		}
	} else {
		if err := r.store.ResetNamespace(def.Namespace); err != nil {
			return fail(err)
		}
		if def.Gate != "" {
			if err := r.gates.Clear(def.Gate); err != nil {
				return fail(err)
			}
		}
		if err := ph.generate(ctx); err != nil {
			return fail(err)
		}
		if err := r.verifyOutputs(def.Name, def.Namespace, def.GenOutputs); err != nil {
			return fail(err)
		}
		r.logEvent(opts.Story, def.Name, "artifacts_generated", strings.Join(def.GenOutputs, " "))
	}

	if def.Gate != "" {
		await := gate.AwaitOpts{
			Gate:      def.Gate,
			Stage:     def.Name,
			Story:     opts.Story,
			Artifacts: r.artifactRefs(def.Namespace),
		}
		mark(StatusAwaitingApproval, "")
		r.logEvent(opts.Story, def.Name, "gate_requested", "gate "+def.Gate)

		if opts.GenerateOnly {
			if err := r.gates.RequestReview(await); err != nil {
				return err
			}
			r.logf("stage %s: artifacts ready, gate %s awaiting decision", def.Name, def.Gate)
			return nil
		}

		d, err := r.gates.Await(ctx, await)
		if err != nil {
			if errors.Is(err, gate.ErrRejected) {
				note := ""
				if d != nil {
					note = d.Note
				}
				mark(StatusRejected, note)
				r.logEvent(opts.Story, def.Name, "gate_rejected", note)
				return err
			}
			return err
		}
		mark(StatusApproved, d.Note)
		r.logEvent(opts.Story, def.Name, "gate_approved", d.Note)
	}

	if ph.publish != nil {
		mark(StatusRunning, "")
		if err := ph.publish(ctx); err != nil {
			return fail(err)
		}
		if err := r.verifyOutputs(def.Name, def.Namespace, def.PubOutputs); err != nil {
			return fail(err)
		}
	}

	mark(StatusCompleted, "")
	r.logEvent(opts.Story, def.Name, "stage_completed", "")
	r.logf("stage %s: completed", def.Name)
	return nil
}

// --- Stage helpers ---

// checkPrereqs verifies every required predecessor left its declared outputs
// behind and, where gated, has an approve decision on file.
func (r *Runner) checkPrereqs(def Def) error {
	for _, name := range def.Requires {
		req, ok := DefByName(name)
		if !ok {
			continue
		}
		outputs := append(append([]string{}, req.GenOutputs...), req.PubOutputs...)
		for _, out := range outputs {
			if !r.store.Exists(req.Namespace, out) {
				return &MissingArtifactError{Stage: req.Name, Name: out, Path: r.store.Path(req.Namespace, out)}
			}
		}
		if req.Gate == "" {
			continue
		}
		d, err := r.gates.Load(req.Gate)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return fmt.Errorf("stage %s is awaiting gate %s; decide it before running %s", req.Name, req.Gate, def.Name)
			}
			return err
		}
		if d.Outcome != gate.OutcomeApprove {
			return fmt.Errorf("stage %s was rejected at gate %s: %w", req.Name, req.Gate, gate.ErrRejected)
		}
	}
	return nil
}

// checkStoryContinuity guards against mixing stories mid-pipeline: the
// implementation artifacts on disk must belong to the story being worked.
func (r *Runner) checkStoryContinuity(story string) error {
	var pr PRInfo
	if err := r.store.ReadJSON(StageImplementation, "pr.json", &pr); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil
		}
		return err
	}
	if pr.Story != "" && pr.Story != story {
		return fmt.Errorf("implementation artifacts belong to %s, not %s; re-run implementation first", pr.Story, story)
	}
	return nil
}

// storyLineage fetches the story and its parent epic, enforcing type
// lineage: the key must name a story, and the story must hang off an epic.
func (r *Runner) storyLineage(key string) (*tracker.WorkItem, *tracker.WorkItem, error) {
	story, err := r.tracker.GetIssue(key)
	if err != nil {
		return nil, nil, &GatewayError{Gateway: "tracker", Op: "get issue " + key, Err: err}
	}
	if story.Kind != tracker.KindStory {
		return nil, nil, &TypeMismatchError{Key: key, Want: string(tracker.KindStory), Got: string(story.Kind)}
	}
	if story.ParentKey == "" {
		return nil, nil, &TypeMismatchError{Key: key, Want: string(tracker.KindEpic), Got: ""}
	}
	epic, err := r.tracker.GetIssue(story.ParentKey)
	if err != nil {
		return nil, nil, &GatewayError{Gateway: "tracker", Op: "get issue " + story.ParentKey, Err: err}
	}
	if epic.Kind != tracker.KindEpic {
		return nil, nil, &TypeMismatchError{Key: story.ParentKey, Want: string(tracker.KindEpic), Got: string(epic.Kind)}
	}
	return story, epic, nil
}

// publishStories creates the tracker work items from the approved plan and
// records their keys. Publishing twice is a no-op; on a partial failure the
// keys created so far are saved for manual reconciliation, since re-running
// would duplicate them.
func (r *Runner) publishStories(opts StageOpts) error {
	if r.store.Exists(StageEpicStories, "tracker-keys.json") {
		r.logf("tracker items already created, skipping publish")
		return nil
	}

	var plan StoryPlan
	if err := r.store.ReadJSON(StageEpicStories, "stories.json", &plan); err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("stories.json: %w", err)
	}

	var keys TrackerKeys
	savePartial := func() {
		if len(keys.Epics) > 0 {
			_ = r.store.WriteJSON(StageEpicStories, "tracker-keys.partial.json", &keys)
		}
	}

	for _, ep := range plan.Epics {
		epicKey, err := r.tracker.CreateEpic(ep.Title, ep.Description)
		if err != nil {
			savePartial()
			return &GatewayError{Gateway: "tracker", Op: "create epic " + ep.Title, Err: err}
		}
		r.logf("created epic %s: %s", epicKey, ep.Title)

		ek := EpicKeys{Key: epicKey, Title: ep.Title}
		for _, s := range ep.Stories {
			storyKey, err := r.tracker.CreateStory(s.Title, s.Description, epicKey, s.Priority)
			if err != nil {
				keys.Epics = append(keys.Epics, ek)
				savePartial()
				return &GatewayError{Gateway: "tracker", Op: "create story " + s.Title, Err: err}
			}
			r.logf("created story %s: %s", storyKey, s.Title)
			ek.Stories = append(ek.Stories, StoryKey{Key: storyKey, Title: s.Title})
		}
		keys.Epics = append(keys.Epics, ek)
	}

	if err := r.store.WriteJSON(StageEpicStories, "tracker-keys.json", &keys); err != nil {
		return err
	}
	r.logEvent(opts.Story, StageEpicStories, "published", fmt.Sprintf("%d epics, %d stories", len(keys.Epics), keys.StoryCount()))
	return nil
}

// ensurePR reuses the branch's open pull request or creates one.
func (r *Runner) ensurePR(story *tracker.WorkItem, branch string) (*PRInfo, error) {
	existing, err := r.host.FindPRByBranch(branch)
	if err != nil {
		return nil, &GatewayError{Gateway: "vcs", Op: "find PR for " + branch, Err: err}
	}
	base := r.cfg.Workflow.BaseBranch
	if existing != nil {
		r.logf("reusing open PR #%d for %s", existing.Number, branch)
		return &PRInfo{Number: existing.Number, URL: existing.URL, Branch: branch, Base: base, Story: story.Key}, nil
	}

	title := fmt.Sprintf("%s: %s", story.Key, story.Title)
	body := fmt.Sprintf("Implements %s: %s\n\nOpened by the sdlc pipeline. The implementation summary and test plans are in the workspace artifact store under sdlc-artifacts/.", story.Key, story.Title)
	created, err := r.host.CreatePR(vcs.PRCreateOpts{Title: title, Body: body, Branch: branch, Base: base})
	if err != nil {
		return nil, &GatewayError{Gateway: "vcs", Op: "create PR for " + branch, Err: err}
	}
	r.logf("opened PR #%d %s", created.Number, created.URL)
	return &PRInfo{Number: created.Number, URL: created.URL, Branch: branch, Base: base, Story: story.Key}, nil
}

// invokeAgent renders the stage policy, appends the execution context, runs
// the agent, and persists the transcript under the stage namespace. The
// transcript is written even when the invocation fails.
func (r *Runner) invokeAgent(ctx context.Context, namespace, phase, policyName, policyFile string, vars prompt.Vars, cin prompt.ContextInput) error {
	policy, err := prompt.LoadPolicy(policyName, r.policySource(policyName, policyFile))
	if err != nil {
		return err
	}
	rendered, err := prompt.Render(policy, vars)
	if err != nil {
		return fmt.Errorf("render %s policy: %w", policyName, err)
	}
	instruction := prompt.Compose(rendered, prompt.BuildContextBlock(cin))

	r.logf("stage %s: invoking agent (%s)", cin.Stage, phase)
	res, err := r.agent.Invoke(ctx, agent.Request{WorkspaceRoot: r.workspace, Instruction: instruction})
	transcript := ""
	if res != nil && res.Output != "" {
		name := "agent-transcript-" + phase + ".log"
		if werr := r.store.Write(namespace, name, []byte(res.Output)); werr != nil {
			r.logf("warning: could not save agent transcript: %v", werr)
		} else {
			transcript = r.store.Path(namespace, name)
		}
	}
	if r.events != nil {
		exit, durMs := 0, 0
		if res != nil {
			exit = res.ExitCode
			durMs = int(res.Duration.Milliseconds())
		}
		if err != nil && exit == 0 {
			exit = 1
		}
		_ = r.events.LogAgentInvocation(r.workspace, cin.StoryKey, cin.Stage, phase, r.cfg.Agent.Model, exit, durMs, transcript)
	}
	if err != nil {
		return &GatewayError{Gateway: "agent", Op: phase + " " + cin.Stage, Err: err}
	}
	return nil
}

// policySource resolves where a stage's policy document comes from: an
// explicit file for this invocation, a per-stage config override, or the
// configured policy directory.
func (r *Runner) policySource(policyName, overrideFile string) prompt.PolicySource {
	src := prompt.PolicySource{Dir: r.cfg.Policies.Dir, Workdir: r.workspace}
	if overrideFile != "" {
		src.Override = overrideFile
	} else if o, ok := r.cfg.Policies.Overrides[policyName]; ok {
		src.Override = o
	}
	return src
}

func (r *Runner) contextInput(stage, phase, story, epic, branch string) prompt.ContextInput {
	return prompt.ContextInput{
		WorkspaceRoot: r.workspace,
		Stage:         stage,
		Phase:         phase,
		StoryKey:      story,
		EpicKey:       epic,
		Branch:        branch,
		BaseBranch:    r.cfg.Workflow.BaseBranch,
		ContextDirs:   r.cfg.Workflow.ContextDirs,
	}
}

// loadBRD reads the business requirements document recorded at init.
func (r *Runner) loadBRD() (string, error) {
	st, err := r.state.Load()
	if err != nil {
		return "", err
	}
	if st.BRD == "" {
		return "", fmt.Errorf("no BRD configured; run `sdlc init --brd <path>` first")
	}
	path := st.BRD
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workspace, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read BRD: %w", err)
	}
	return string(data), nil
}

func (r *Runner) verifyOutputs(stage, namespace string, names []string) error {
	for _, name := range names {
		if !r.store.Exists(namespace, name) {
			return &MissingArtifactError{Stage: stage, Name: name, Path: r.store.Path(namespace, name)}
		}
	}
	return nil
}

// artifactRefs lists the namespace's files as absolute paths for reviewers.
func (r *Runner) artifactRefs(namespace string) []string {
	names, err := r.store.List(namespace)
	if err != nil {
		return nil
	}
	refs := make([]string, 0, len(names))
	for _, n := range names {
		refs = append(refs, r.store.Path(namespace, n))
	}
	return refs
}

func (r *Runner) readOptional(namespace, name string) string {
	data, err := r.store.Read(namespace, name)
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *Runner) logEvent(story, stage, event, detail string) {
	if r.events == nil {
		return
	}
	_ = r.events.LogPipelineEvent(r.workspace, story, stage, event, detail)
}

func storyVars(story, epic *tracker.WorkItem) prompt.Vars {
	return prompt.Vars{
		"story_key":         story.Key,
		"story_title":       story.Title,
		"story_description": story.Description,
		"epic_title":        epic.Title,
	}
}

// policyFixer adapts the runner's agent plumbing to the test loop's fix
// hook: each fix is a fresh agent invocation under the fix policy.
type policyFixer struct {
	runner *Runner
	story  *tracker.WorkItem
	epic   *tracker.WorkItem
	branch string
}

func (f *policyFixer) Fix(ctx context.Context, attempt, maxAttempts int, testOutput string) error {
	r := f.runner
	vars := prompt.Vars{
		"attempt":      strconv.Itoa(attempt),
		"max_attempts": strconv.Itoa(maxAttempts),
		"test_output":  testOutput,
		"story_key":    f.story.Key,
	}
	cin := r.contextInput(StageTestExecution, "fix", f.story.Key, f.epic.Key, f.branch)
	return r.invokeAgent(ctx, testexec.Namespace, fmt.Sprintf("fix-%d", attempt), "fix", "", vars, cin)
}
