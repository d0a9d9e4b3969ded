package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/agent"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/config"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/testexec"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/tracker"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/vcs"
)

// --- Fakes ---

type fakeAgent struct {
	calls  []agent.Request
	onCall func(n int, req agent.Request) error
}

func (f *fakeAgent) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.calls = append(f.calls, req)
	n := len(f.calls)
	var err error
	if f.onCall != nil {
		err = f.onCall(n, req)
	}
	res := &agent.Result{Output: fmt.Sprintf("transcript %d", n)}
	if err != nil {
		res.ExitCode = 1
		return res, err
	}
	return res, nil
}

type fakeTracker struct {
	items       map[string]*tracker.WorkItem
	epicCalls   []string
	storyCalls  []string
	parents     []string
	nextKey     int
	failStoryAt int // 1-based CreateStory call that errors; 0 disables
}

func (f *fakeTracker) CreateEpic(title, _ string) (string, error) {
	f.nextKey++
	f.epicCalls = append(f.epicCalls, title)
	return fmt.Sprintf("BILL-%d", f.nextKey), nil
}

func (f *fakeTracker) CreateStory(title, _, parentKey, _ string) (string, error) {
	f.storyCalls = append(f.storyCalls, title)
	f.parents = append(f.parents, parentKey)
	if f.failStoryAt > 0 && len(f.storyCalls) == f.failStoryAt {
		return "", fmt.Errorf("tracker unavailable")
	}
	f.nextKey++
	return fmt.Sprintf("BILL-%d", f.nextKey), nil
}

func (f *fakeTracker) GetIssue(key string) (*tracker.WorkItem, error) {
	item, ok := f.items[key]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", key)
	}
	return item, nil
}

type fakeHost struct {
	branches []string
	commits  []string
	pushes   []string
	prs      []vcs.PRCreateOpts
	existing *vcs.PRCreateResult
	clean    bool // CommitAll sees no changes
	nextPR   int
}

func (f *fakeHost) EnsureBranch(name, base string) error {
	f.branches = append(f.branches, name+" from "+base)
	return nil
}

func (f *fakeHost) CommitAll(message string) (bool, error) {
	if f.clean {
		return false, nil
	}
	f.commits = append(f.commits, message)
	return true, nil
}

func (f *fakeHost) Push(branch string) error {
	f.pushes = append(f.pushes, branch)
	return nil
}

func (f *fakeHost) CreatePR(opts vcs.PRCreateOpts) (*vcs.PRCreateResult, error) {
	f.prs = append(f.prs, opts)
	f.nextPR++
	n := 40 + f.nextPR
	return &vcs.PRCreateResult{Number: n, URL: fmt.Sprintf("https://github.com/acme/billing/pull/%d", n)}, nil
}

func (f *fakeHost) FindPRByBranch(string) (*vcs.PRCreateResult, error) {
	return f.existing, nil
}

type fakeGates struct {
	outcomes  map[string]string // gate -> outcome; empty means approve
	decisions map[string]*gate.Decision
	awaited   []gate.AwaitOpts
	requests  []gate.AwaitOpts
	cleared   []string
}

func newFakeGates() *fakeGates {
	return &fakeGates{
		outcomes:  make(map[string]string),
		decisions: make(map[string]*gate.Decision),
	}
}

func (f *fakeGates) Await(_ context.Context, opts gate.AwaitOpts) (*gate.Decision, error) {
	f.awaited = append(f.awaited, opts)
	if d, ok := f.decisions[opts.Gate]; ok {
		if d.Outcome == gate.OutcomeReject {
			return d, fmt.Errorf("gate %s: %w", opts.Gate, gate.ErrRejected)
		}
		return d, nil
	}
	outcome := f.outcomes[opts.Gate]
	if outcome == "" {
		outcome = gate.OutcomeApprove
	}
	d := &gate.Decision{Gate: opts.Gate, Outcome: outcome, Note: "note " + opts.Gate, DecidedAt: "2026-01-02T03:04:05Z"}
	f.decisions[opts.Gate] = d
	if outcome == gate.OutcomeReject {
		return d, fmt.Errorf("gate %s: %w", opts.Gate, gate.ErrRejected)
	}
	return d, nil
}

func (f *fakeGates) RequestReview(opts gate.AwaitOpts) error {
	f.requests = append(f.requests, opts)
	return nil
}

func (f *fakeGates) Load(g string) (*gate.Decision, error) {
	if d, ok := f.decisions[g]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("gate %s: %w", g, artifact.ErrNotFound)
}

func (f *fakeGates) Clear(g string) error {
	f.cleared = append(f.cleared, g)
	delete(f.decisions, g)
	return nil
}

type fakeEvents struct {
	events      []string // stage:event
	attempts    []int
	invocations []string // stage:phase
}

func (f *fakeEvents) LogPipelineEvent(_, _, stage, event, _ string) error {
	f.events = append(f.events, stage+":"+event)
	return nil
}

func (f *fakeEvents) LogTestAttempt(_, _ string, attempt int, _ bool, _, _ int, _ string) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeEvents) LogAgentInvocation(_, _, stage, phase, _ string, _, _ int, _ string) error {
	f.invocations = append(f.invocations, stage+":"+phase)
	return nil
}

// --- Harness ---

type harness struct {
	runner  *Runner
	store   *artifact.Store
	state   *StateStore
	agent   *fakeAgent
	tracker *fakeTracker
	host    *fakeHost
	gates   *fakeGates
	events  *fakeEvents
	ws      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := t.TempDir()
	store := artifact.NewStore(ws)
	h := &harness{
		store:   store,
		state:   NewStateStore(store),
		agent:   &fakeAgent{},
		tracker: &fakeTracker{items: make(map[string]*tracker.WorkItem)},
		host:    &fakeHost{},
		gates:   newFakeGates(),
		events:  &fakeEvents{},
		ws:      ws,
	}
	h.runner = NewRunner(Deps{
		Config:    config.Defaults(),
		Workspace: ws,
		Store:     store,
		State:     h.state,
		Agent:     h.agent,
		Tracker:   h.tracker,
		Host:      h.host,
		Gates:     h.gates,
		Events:    h.events,
		TestLoop: func(_ context.Context, opts testexec.LoopOpts) (*testexec.LoopResult, error) {
			res := &testexec.LoopResult{Passed: true, Attempts: 1, MaxAttempts: 6, Runner: "go", Command: "go test ./..."}
			if err := opts.Store.WriteJSON(testexec.Namespace, "result.json", res); err != nil {
				return nil, err
			}
			if opts.OnAttempt != nil {
				opts.OnAttempt(1, &testexec.TestRun{Passed: true, DurationMs: 12})
			}
			return res, nil
		},
	})
	return h
}

func (h *harness) writeBRD(t *testing.T) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.ws, "brd.md"), []byte("Build a billing portal with invoice export."), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.state.Update(func(st *RunState) { st.BRD = "brd.md" }); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) seedStory(key, parent string) {
	h.tracker.items[parent] = &tracker.WorkItem{Kind: tracker.KindEpic, Key: parent, Title: "Billing revamp"}
	h.tracker.items[key] = &tracker.WorkItem{
		Kind: tracker.KindStory, Key: key, Title: "Invoice export",
		Description: "As a finance user, I want CSV export.", ParentKey: parent,
	}
}

func (h *harness) seedImplementation(t *testing.T, story string) {
	t.Helper()
	h.mustWrite(t, StageImplementation, "implementation-summary.md", "wrote the invoice endpoints")
	pr := &PRInfo{Number: 41, URL: "https://github.com/acme/billing/pull/41", Branch: "story/" + story, Base: "main", Story: story}
	if err := h.store.WriteJSON(StageImplementation, "pr.json", pr); err != nil {
		t.Fatal(err)
	}
	h.approve(gate.GateB)
}

func (h *harness) seedUnitTests(t *testing.T) {
	t.Helper()
	h.mustWrite(t, StageUnitTests, "unit-test-plan.md", "test the CSV writer")
	h.mustWrite(t, StageUnitTests, "unit-test-summary.md", "12 cases implemented")
	h.approve(gate.GateC)
}

func (h *harness) seedIntegrationTests(t *testing.T) {
	t.Helper()
	h.mustWrite(t, StageIntegrationTests, "integration-test-plan.md", "export through the API")
	h.mustWrite(t, StageIntegrationTests, "integration-test-summary.md", "4 cases implemented")
	h.approve(gate.GateD)
}

func (h *harness) approve(g string) {
	h.gates.decisions[g] = &gate.Decision{Gate: g, Outcome: gate.OutcomeApprove, DecidedAt: "2026-01-02T00:00:00Z"}
}

func (h *harness) mustWrite(t *testing.T, namespace, name, content string) {
	t.Helper()
	if err := h.store.Write(namespace, name, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) stageStatus(t *testing.T, stage string) StageStatus {
	t.Helper()
	st, err := h.state.Load()
	if err != nil {
		t.Fatal(err)
	}
	return st.Stage(stage).Status
}

func samplePlan() *StoryPlan {
	return &StoryPlan{Epics: []EpicPlan{{
		Title:       "Billing revamp",
		Description: "Modernize invoicing.",
		Stories: []StoryItem{
			{Title: "Invoice export", Description: "As a finance user, I want CSV export.", Priority: "High"},
			{Title: "Invoice search", Description: "As a finance user, I want search.", Priority: "Medium"},
		},
	}}}
}

func (h *harness) epicStoriesOutputs() func(int, agent.Request) error {
	return func(int, agent.Request) error {
		if err := h.store.Write(StageEpicStories, "epics-and-stories.md", []byte("# Billing revamp")); err != nil {
			return err
		}
		return h.store.WriteJSON(StageEpicStories, "stories.json", samplePlan())
	}
}

// --- Epic and story decomposition ---

func TestRunEpicStories(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = h.epicStoriesOutputs()

	if err := h.runner.RunEpicStories(context.Background(), StageOpts{}); err != nil {
		t.Fatalf("RunEpicStories: %v", err)
	}

	if len(h.agent.calls) != 1 {
		t.Fatalf("agent calls = %d, want 1", len(h.agent.calls))
	}
	if !strings.Contains(h.agent.calls[0].Instruction, "Build a billing portal") {
		t.Error("instruction does not include the BRD text")
	}

	// Tracker items are created only after approval, stories under their epic.
	if got := h.tracker.epicCalls; len(got) != 1 || got[0] != "Billing revamp" {
		t.Errorf("epic creations = %v", got)
	}
	if len(h.tracker.storyCalls) != 2 {
		t.Fatalf("story creations = %d, want 2", len(h.tracker.storyCalls))
	}
	for _, parent := range h.tracker.parents {
		if parent != "BILL-1" {
			t.Errorf("story parent = %q, want BILL-1", parent)
		}
	}

	var keys TrackerKeys
	if err := h.store.ReadJSON(StageEpicStories, "tracker-keys.json", &keys); err != nil {
		t.Fatalf("tracker-keys.json: %v", err)
	}
	if len(keys.Epics) != 1 || keys.Epics[0].Key != "BILL-1" || keys.StoryCount() != 2 {
		t.Errorf("tracker keys = %+v", keys)
	}

	if len(h.gates.awaited) != 1 || h.gates.awaited[0].Gate != gate.GateA {
		t.Fatalf("awaited gates = %+v", h.gates.awaited)
	}
	wantRef := h.store.Path(StageEpicStories, "stories.json")
	if !containsString(h.gates.awaited[0].Artifacts, wantRef) {
		t.Errorf("gate artifacts %v missing %s", h.gates.awaited[0].Artifacts, wantRef)
	}

	if !h.store.Exists(StageEpicStories, "agent-transcript-generate.log") {
		t.Error("agent transcript not saved")
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	for _, want := range []string{
		"epic-stories:stage_started",
		"epic-stories:artifacts_generated",
		"epic-stories:gate_requested",
		"epic-stories:gate_approved",
		"epic-stories:published",
		"epic-stories:stage_completed",
	} {
		if !containsString(h.events.events, want) {
			t.Errorf("events %v missing %s", h.events.events, want)
		}
	}
	if got := h.events.invocations; len(got) != 1 || got[0] != "epic-stories:generate" {
		t.Errorf("agent invocation records = %v", got)
	}
}

func TestRunEpicStories_NoBRD(t *testing.T) {
	h := newHarness(t)

	err := h.runner.RunEpicStories(context.Background(), StageOpts{})
	if err == nil || !strings.Contains(err.Error(), "no BRD configured") {
		t.Fatalf("err = %v, want BRD guidance", err)
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRunEpicStories_MissingOutput(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = func(int, agent.Request) error {
		return h.store.Write(StageEpicStories, "epics-and-stories.md", []byte("# Only the markdown"))
	}

	err := h.runner.RunEpicStories(context.Background(), StageOpts{})
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingArtifactError", err)
	}
	if missing.Name != "stories.json" {
		t.Errorf("missing artifact = %s, want stories.json", missing.Name)
	}
	if len(h.gates.awaited) != 0 {
		t.Error("gate was awaited despite missing output")
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRunEpicStories_Rejected(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = h.epicStoriesOutputs()
	h.gates.outcomes[gate.GateA] = gate.OutcomeReject

	err := h.runner.RunEpicStories(context.Background(), StageOpts{})
	if !errors.Is(err, gate.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	// A rejection is terminal: nothing may be published.
	if len(h.tracker.epicCalls) != 0 || len(h.tracker.storyCalls) != 0 {
		t.Error("tracker items were created after a rejection")
	}
	if h.store.Exists(StageEpicStories, "tracker-keys.json") {
		t.Error("tracker-keys.json written after a rejection")
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusRejected {
		t.Errorf("status = %s, want rejected", got)
	}
}

func TestRunEpicStories_GenerateOnly(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = h.epicStoriesOutputs()

	if err := h.runner.RunEpicStories(context.Background(), StageOpts{GenerateOnly: true}); err != nil {
		t.Fatalf("RunEpicStories: %v", err)
	}

	if len(h.gates.awaited) != 0 {
		t.Error("generate-only must not block on the gate")
	}
	if len(h.gates.requests) != 1 || h.gates.requests[0].Gate != gate.GateA {
		t.Fatalf("review requests = %+v", h.gates.requests)
	}
	if len(h.tracker.epicCalls) != 0 {
		t.Error("tracker items created before approval")
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", got)
	}
}

func TestRunEpicStories_PublishOnly(t *testing.T) {
	h := newHarness(t)
	h.mustWrite(t, StageEpicStories, "epics-and-stories.md", "# Billing revamp")
	if err := h.store.WriteJSON(StageEpicStories, "stories.json", samplePlan()); err != nil {
		t.Fatal(err)
	}

	if err := h.runner.RunEpicStories(context.Background(), StageOpts{PublishOnly: true}); err != nil {
		t.Fatalf("RunEpicStories: %v", err)
	}

	if len(h.agent.calls) != 0 {
		t.Error("publish-only must not invoke the agent")
	}
	if len(h.tracker.storyCalls) != 2 {
		t.Errorf("story creations = %d, want 2", len(h.tracker.storyCalls))
	}
	if !containsString(h.events.events, "epic-stories:stage_resumed") {
		t.Errorf("events = %v, want stage_resumed", h.events.events)
	}
	if containsString(h.events.events, "epic-stories:stage_started") {
		t.Error("publish-only logged a fresh stage start")
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunEpicStories_PublishIdempotent(t *testing.T) {
	h := newHarness(t)
	h.mustWrite(t, StageEpicStories, "epics-and-stories.md", "# Billing revamp")
	if err := h.store.WriteJSON(StageEpicStories, "stories.json", samplePlan()); err != nil {
		t.Fatal(err)
	}
	existing := &TrackerKeys{Epics: []EpicKeys{{Key: "BILL-1", Title: "Billing revamp"}}}
	if err := h.store.WriteJSON(StageEpicStories, "tracker-keys.json", existing); err != nil {
		t.Fatal(err)
	}

	if err := h.runner.RunEpicStories(context.Background(), StageOpts{PublishOnly: true}); err != nil {
		t.Fatalf("RunEpicStories: %v", err)
	}
	if len(h.tracker.epicCalls) != 0 || len(h.tracker.storyCalls) != 0 {
		t.Error("publish ran again despite existing tracker keys")
	}
}

func TestRunEpicStories_PartialPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = h.epicStoriesOutputs()
	h.tracker.failStoryAt = 2

	err := h.runner.RunEpicStories(context.Background(), StageOpts{})
	var gw *GatewayError
	if !errors.As(err, &gw) || gw.Gateway != "tracker" {
		t.Fatalf("err = %v, want tracker GatewayError", err)
	}

	if h.store.Exists(StageEpicStories, "tracker-keys.json") {
		t.Error("tracker-keys.json written despite partial failure")
	}
	var partial TrackerKeys
	if err := h.store.ReadJSON(StageEpicStories, "tracker-keys.partial.json", &partial); err != nil {
		t.Fatalf("tracker-keys.partial.json: %v", err)
	}
	if len(partial.Epics) != 1 || partial.StoryCount() != 1 {
		t.Errorf("partial keys = %+v, want 1 epic with 1 story", partial)
	}
	if got := h.stageStatus(t, StageEpicStories); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

// --- Implementation ---

func TestRunImplementation(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.agent.onCall = func(int, agent.Request) error {
		return h.store.Write(StageImplementation, "implementation-summary.md", []byte("wrote the invoice endpoints"))
	}

	if err := h.runner.RunImplementation(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunImplementation: %v", err)
	}

	if got := h.host.branches; len(got) != 1 || got[0] != "story/BILL-12 from main" {
		t.Errorf("branches = %v", got)
	}
	if got := h.host.commits; len(got) != 1 || got[0] != "BILL-12: Invoice export" {
		t.Errorf("commits = %v", got)
	}
	if got := h.host.pushes; len(got) != 1 || got[0] != "story/BILL-12" {
		t.Errorf("pushes = %v", got)
	}
	if len(h.host.prs) != 1 || h.host.prs[0].Title != "BILL-12: Invoice export" {
		t.Errorf("PRs = %+v", h.host.prs)
	}

	var pr PRInfo
	if err := h.store.ReadJSON(StageImplementation, "pr.json", &pr); err != nil {
		t.Fatalf("pr.json: %v", err)
	}
	if pr.Number != 41 || pr.Branch != "story/BILL-12" || pr.Base != "main" || pr.Story != "BILL-12" {
		t.Errorf("pr.json = %+v", pr)
	}

	// The PR must exist before the reviewer sees gate B.
	if len(h.gates.awaited) != 1 || h.gates.awaited[0].Gate != gate.GateB {
		t.Fatalf("awaited = %+v", h.gates.awaited)
	}
	if !containsString(h.gates.awaited[0].Artifacts, h.store.Path(StageImplementation, "pr.json")) {
		t.Error("gate B artifacts missing pr.json")
	}

	st, err := h.state.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Story != "BILL-12" || st.Epic != "BILL-1" || st.Branch != "story/BILL-12" {
		t.Errorf("state = story %s epic %s branch %s", st.Story, st.Epic, st.Branch)
	}
	if got := h.stageStatus(t, StageImplementation); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunImplementation_NoParentEpic(t *testing.T) {
	h := newHarness(t)
	h.tracker.items["BILL-12"] = &tracker.WorkItem{Kind: tracker.KindStory, Key: "BILL-12", Title: "Orphan story"}

	err := h.runner.RunImplementation(context.Background(), StageOpts{Story: "BILL-12"})
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want TypeMismatchError", err)
	}
	if mismatch.Key != "BILL-12" || mismatch.Got != "" {
		t.Errorf("mismatch = %+v", mismatch)
	}

	// The failure must precede any write into the stage namespace.
	names, _ := h.store.List(StageImplementation)
	if len(names) != 0 {
		t.Errorf("implementation namespace not empty: %v", names)
	}
	if len(h.agent.calls) != 0 {
		t.Error("agent invoked despite lineage failure")
	}
	if got := h.stageStatus(t, StageImplementation); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRunImplementation_KeyIsEpic(t *testing.T) {
	h := newHarness(t)
	h.tracker.items["BILL-1"] = &tracker.WorkItem{Kind: tracker.KindEpic, Key: "BILL-1", Title: "Billing revamp"}

	err := h.runner.RunImplementation(context.Background(), StageOpts{Story: "BILL-1"})
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want TypeMismatchError", err)
	}
	if mismatch.Want != string(tracker.KindStory) || mismatch.Got != string(tracker.KindEpic) {
		t.Errorf("mismatch = %+v", mismatch)
	}
}

func TestRunImplementation_ParentNotEpic(t *testing.T) {
	h := newHarness(t)
	h.tracker.items["BILL-11"] = &tracker.WorkItem{Kind: tracker.KindStory, Key: "BILL-11", Title: "Parent story"}
	h.tracker.items["BILL-12"] = &tracker.WorkItem{Kind: tracker.KindStory, Key: "BILL-12", Title: "Child", ParentKey: "BILL-11"}

	err := h.runner.RunImplementation(context.Background(), StageOpts{Story: "BILL-12"})
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want TypeMismatchError", err)
	}
	if mismatch.Key != "BILL-11" || mismatch.Got != string(tracker.KindStory) {
		t.Errorf("mismatch = %+v", mismatch)
	}
}

func TestRunImplementation_ReusesExistingPR(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.host.existing = &vcs.PRCreateResult{Number: 7, URL: "https://github.com/acme/billing/pull/7"}
	h.agent.onCall = func(int, agent.Request) error {
		return h.store.Write(StageImplementation, "implementation-summary.md", []byte("summary"))
	}

	if err := h.runner.RunImplementation(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunImplementation: %v", err)
	}
	if len(h.host.prs) != 0 {
		t.Error("created a PR when one already existed for the branch")
	}
	var pr PRInfo
	if err := h.store.ReadJSON(StageImplementation, "pr.json", &pr); err != nil {
		t.Fatal(err)
	}
	if pr.Number != 7 {
		t.Errorf("pr.json number = %d, want 7", pr.Number)
	}
}

func TestRunImplementation_RequiresStory(t *testing.T) {
	h := newHarness(t)
	err := h.runner.RunImplementation(context.Background(), StageOpts{})
	if err == nil || !strings.Contains(err.Error(), "requires a story key") {
		t.Fatalf("err = %v", err)
	}
}

// --- Test authoring stages ---

func TestRunUnitTests(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1:
			return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte("test the CSV writer"))
		default:
			return h.store.Write(StageUnitTests, "unit-test-summary.md", []byte("12 cases implemented"))
		}
	}

	if err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunUnitTests: %v", err)
	}

	if len(h.agent.calls) != 2 {
		t.Fatalf("agent calls = %d, want plan then code", len(h.agent.calls))
	}
	if !strings.Contains(h.agent.calls[0].Instruction, "wrote the invoice endpoints") {
		t.Error("plan instruction missing the implementation summary")
	}
	if !strings.Contains(h.agent.calls[1].Instruction, "test the CSV writer") {
		t.Error("code instruction missing the approved plan")
	}

	if len(h.gates.awaited) != 1 || h.gates.awaited[0].Gate != gate.GateC {
		t.Fatalf("awaited = %+v", h.gates.awaited)
	}
	if got := h.host.commits; len(got) != 1 || got[0] != "BILL-12: add unit tests" {
		t.Errorf("commits = %v", got)
	}
	if got := h.host.pushes; len(got) != 1 || got[0] != "story/BILL-12" {
		t.Errorf("pushes = %v", got)
	}
	if got := h.stageStatus(t, StageUnitTests); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunUnitTests_MissingImplementation(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")

	err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"})
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingArtifactError", err)
	}
	if missing.Stage != StageImplementation {
		t.Errorf("missing stage = %s, want implementation", missing.Stage)
	}
	if len(h.agent.calls) != 0 {
		t.Error("agent invoked without prerequisites")
	}
}

func TestRunUnitTests_ImplementationGateUndecided(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.mustWrite(t, StageImplementation, "implementation-summary.md", "summary")
	pr := &PRInfo{Number: 41, Branch: "story/BILL-12", Story: "BILL-12"}
	if err := h.store.WriteJSON(StageImplementation, "pr.json", pr); err != nil {
		t.Fatal(err)
	}

	err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"})
	if err == nil || !strings.Contains(err.Error(), "awaiting gate B") {
		t.Fatalf("err = %v, want awaiting gate B", err)
	}
}

func TestRunUnitTests_StoryMismatch(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedStory("BILL-99", "BILL-1")
	h.seedImplementation(t, "BILL-99")

	err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"})
	if err == nil || !strings.Contains(err.Error(), "belong to BILL-99") {
		t.Fatalf("err = %v, want story continuity failure", err)
	}
	if len(h.agent.calls) != 0 {
		t.Error("agent invoked despite story mismatch")
	}
}

func TestRunUnitTests_PlanRejected(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.gates.outcomes[gate.GateC] = gate.OutcomeReject
	h.agent.onCall = func(int, agent.Request) error {
		return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte("plan"))
	}

	err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"})
	if !errors.Is(err, gate.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if len(h.agent.calls) != 1 {
		t.Errorf("agent calls = %d, want only the plan phase", len(h.agent.calls))
	}
	if h.store.Exists(StageUnitTests, "unit-test-summary.md") {
		t.Error("test code phase ran after rejection")
	}
	if len(h.host.commits) != 0 {
		t.Error("commit made after rejection")
	}
	if got := h.stageStatus(t, StageUnitTests); got != StatusRejected {
		t.Errorf("status = %s, want rejected", got)
	}
}

func TestRunUnitTests_RegenerateClearsGate(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1, 3:
			return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte(fmt.Sprintf("plan v%d", n)))
		default:
			return h.store.Write(StageUnitTests, "unit-test-summary.md", []byte("summary"))
		}
	}

	for i := 0; i < 2; i++ {
		if err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	// The second run must drop the first run's approval and artifacts.
	if !containsString(h.gates.cleared, gate.GateC) {
		t.Errorf("cleared gates = %v, want C", h.gates.cleared)
	}
	if len(h.gates.awaited) != 2 {
		t.Errorf("awaited %d times, want a fresh decision per run", len(h.gates.awaited))
	}
	plan, err := h.store.Read(StageUnitTests, "unit-test-plan.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(plan) != "plan v3" {
		t.Errorf("plan = %q, want the regenerated plan", plan)
	}
}

func TestRunUnitTests_NothingToCommit(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.host.clean = true
	h.agent.onCall = func(n int, _ agent.Request) error {
		if n == 1 {
			return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte("plan"))
		}
		return h.store.Write(StageUnitTests, "unit-test-summary.md", []byte("summary"))
	}

	if err := h.runner.RunUnitTests(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunUnitTests: %v", err)
	}
	if len(h.host.pushes) != 0 {
		t.Errorf("pushes = %v, want none with a clean worktree", h.host.pushes)
	}
	if got := h.stageStatus(t, StageUnitTests); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunIntegrationTests(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.seedUnitTests(t)
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1:
			return h.store.Write(StageIntegrationTests, "integration-test-plan.md", []byte("export through the API"))
		default:
			return h.store.Write(StageIntegrationTests, "integration-test-summary.md", []byte("4 cases implemented"))
		}
	}

	if err := h.runner.RunIntegrationTests(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunIntegrationTests: %v", err)
	}

	if !strings.Contains(h.agent.calls[0].Instruction, "12 cases implemented") {
		t.Error("plan instruction missing the unit test summary")
	}
	if len(h.gates.awaited) != 1 || h.gates.awaited[0].Gate != gate.GateD {
		t.Fatalf("awaited = %+v", h.gates.awaited)
	}
	if got := h.host.commits; len(got) != 1 || got[0] != "BILL-12: add integration tests" {
		t.Errorf("commits = %v", got)
	}
	if got := h.stageStatus(t, StageIntegrationTests); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunIntegrationTests_RequiresUnitTests(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")

	err := h.runner.RunIntegrationTests(context.Background(), StageOpts{Story: "BILL-12"})
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingArtifactError", err)
	}
	if missing.Stage != StageUnitTests {
		t.Errorf("missing stage = %s, want unit-tests", missing.Stage)
	}
}

// --- Test execution ---

func TestRunTestExecution(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.seedUnitTests(t)
	h.seedIntegrationTests(t)

	if err := h.runner.RunTestExecution(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunTestExecution: %v", err)
	}

	if got := h.host.branches; len(got) != 1 || got[0] != "story/BILL-12 from main" {
		t.Errorf("branches = %v", got)
	}
	if !h.store.Exists(testexec.Namespace, "result.json") {
		t.Error("result.json not written")
	}
	if got := h.events.attempts; len(got) != 1 || got[0] != 1 {
		t.Errorf("recorded attempts = %v", got)
	}

	st, err := h.state.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Stage(StageTestExecution).Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Stage(StageTestExecution).Attempts)
	}
	if got := h.stageStatus(t, StageTestExecution); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestRunTestExecution_HardFailure(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.seedUnitTests(t)
	h.seedIntegrationTests(t)
	h.runner.testLoop = func(_ context.Context, opts testexec.LoopOpts) (*testexec.LoopResult, error) {
		res := &testexec.LoopResult{Passed: false, Attempts: 3, MaxAttempts: 3}
		if err := opts.Store.WriteJSON(testexec.Namespace, "result.json", res); err != nil {
			return nil, err
		}
		return res, &testexec.HardFailureError{Attempts: 3, LastOutput: "output-3.txt"}
	}

	err := h.runner.RunTestExecution(context.Background(), StageOpts{Story: "BILL-12"})
	var hard *testexec.HardFailureError
	if !errors.As(err, &hard) || hard.Attempts != 3 {
		t.Fatalf("err = %v, want HardFailureError with 3 attempts", err)
	}

	st, loadErr := h.state.Load()
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if st.Stage(StageTestExecution).Attempts != 3 {
		t.Errorf("attempts = %d, want 3", st.Stage(StageTestExecution).Attempts)
	}
	if got := h.stageStatus(t, StageTestExecution); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRunTestExecution_RequiresIntegrationTests(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	h.seedImplementation(t, "BILL-12")
	h.seedUnitTests(t)

	err := h.runner.RunTestExecution(context.Background(), StageOpts{Story: "BILL-12"})
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingArtifactError", err)
	}
	if missing.Stage != StageIntegrationTests {
		t.Errorf("missing stage = %s", missing.Stage)
	}
}

// --- Full traversal ---

func TestRunAll(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.seedStory("BILL-2", "BILL-1")
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1:
			if err := h.store.Write(StageEpicStories, "epics-and-stories.md", []byte("# Breakdown")); err != nil {
				return err
			}
			return h.store.WriteJSON(StageEpicStories, "stories.json", samplePlan())
		case 2:
			return h.store.Write(StageImplementation, "implementation-summary.md", []byte("implemented"))
		case 3:
			return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte("unit plan"))
		case 4:
			return h.store.Write(StageUnitTests, "unit-test-summary.md", []byte("unit summary"))
		case 5:
			return h.store.Write(StageIntegrationTests, "integration-test-plan.md", []byte("integration plan"))
		default:
			return h.store.Write(StageIntegrationTests, "integration-test-summary.md", []byte("integration summary"))
		}
	}

	if err := h.runner.RunAll(context.Background(), StageOpts{Story: "BILL-2"}); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if len(h.agent.calls) != 6 {
		t.Errorf("agent calls = %d, want 6", len(h.agent.calls))
	}
	st, err := h.state.Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range StageNames() {
		if got := st.Stage(name).Status; got != StatusCompleted {
			t.Errorf("stage %s = %s, want completed", name, got)
		}
	}
	if !h.store.Exists(testexec.Namespace, "result.json") {
		t.Error("test loop never ran")
	}
}

func TestRunAll_SkipsCompletedStages(t *testing.T) {
	h := newHarness(t)
	h.seedStory("BILL-12", "BILL-1")
	if _, err := h.state.Update(func(st *RunState) {
		st.SetStage(StageEpicStories, StatusRunning, "")
		st.SetStage(StageEpicStories, StatusCompleted, "")
	}); err != nil {
		t.Fatal(err)
	}
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1:
			return h.store.Write(StageImplementation, "implementation-summary.md", []byte("implemented"))
		case 2:
			return h.store.Write(StageUnitTests, "unit-test-plan.md", []byte("plan"))
		case 3:
			return h.store.Write(StageUnitTests, "unit-test-summary.md", []byte("summary"))
		case 4:
			return h.store.Write(StageIntegrationTests, "integration-test-plan.md", []byte("plan"))
		default:
			return h.store.Write(StageIntegrationTests, "integration-test-summary.md", []byte("summary"))
		}
	}

	if err := h.runner.RunAll(context.Background(), StageOpts{Story: "BILL-12"}); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(h.agent.calls) != 5 {
		t.Fatalf("agent calls = %d, want 5 with epic-stories skipped", len(h.agent.calls))
	}
	if !strings.Contains(h.agent.calls[0].Instruction, "BILL-12") {
		t.Error("first agent call is not the implementation stage")
	}
	if len(h.tracker.epicCalls) != 0 {
		t.Error("tracker items created for a skipped stage")
	}
}

func TestRunAll_HaltsOnRejection(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.seedStory("BILL-2", "BILL-1")
	h.gates.outcomes[gate.GateB] = gate.OutcomeReject
	h.agent.onCall = func(n int, _ agent.Request) error {
		switch n {
		case 1:
			if err := h.store.Write(StageEpicStories, "epics-and-stories.md", []byte("# Breakdown")); err != nil {
				return err
			}
			return h.store.WriteJSON(StageEpicStories, "stories.json", samplePlan())
		default:
			return h.store.Write(StageImplementation, "implementation-summary.md", []byte("implemented"))
		}
	}

	err := h.runner.RunAll(context.Background(), StageOpts{Story: "BILL-2"})
	if !errors.Is(err, gate.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	if len(h.agent.calls) != 2 {
		t.Errorf("agent calls = %d, want traversal halted after implementation", len(h.agent.calls))
	}
	if got := h.stageStatus(t, StageImplementation); got != StatusRejected {
		t.Errorf("implementation = %s, want rejected", got)
	}
	if got := h.stageStatus(t, StageUnitTests); got != StatusPending {
		t.Errorf("unit-tests = %s, want pending", got)
	}
	names, _ := h.store.List(StageUnitTests)
	if len(names) != 0 {
		t.Errorf("unit-tests namespace not empty after halt: %v", names)
	}
}

func TestRunAll_RejectsPhaseFlags(t *testing.T) {
	h := newHarness(t)
	if err := h.runner.RunAll(context.Background(), StageOpts{GenerateOnly: true}); err == nil {
		t.Fatal("expected an error for generate-only on a full run")
	}
	if err := h.runner.RunAll(context.Background(), StageOpts{PublishOnly: true}); err == nil {
		t.Fatal("expected an error for publish-only on a full run")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.writeBRD(t)
	h.agent.onCall = h.epicStoriesOutputs()
	if err := h.runner.RunEpicStories(context.Background(), StageOpts{}); err != nil {
		t.Fatal(err)
	}

	st, infos, err := h.runner.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != len(Defs()) {
		t.Fatalf("infos = %d, want one per stage", len(infos))
	}
	if infos[0].Def.Name != StageEpicStories || infos[0].State.Status != StatusCompleted {
		t.Errorf("epic-stories info = %+v", infos[0].State)
	}
	if infos[0].Decision == nil || infos[0].Decision.Outcome != gate.OutcomeApprove {
		t.Errorf("epic-stories decision = %+v", infos[0].Decision)
	}
	if infos[1].Decision != nil {
		t.Errorf("implementation decision = %+v, want none", infos[1].Decision)
	}
	if st.Stage(StageImplementation).Status != StatusPending {
		t.Errorf("implementation = %s, want pending", st.Stage(StageImplementation).Status)
	}
}

func containsString(haystack []string, want string) bool {
	for _, s := range haystack {
		if s == want {
			return true
		}
	}
	return false
}
