package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// StageStatus is the lifecycle position of a stage.
// Pending -> Running -> AwaitingApproval -> Approved -> Running (publish)
// -> Completed, with Failed and Rejected as the terminal failure states.
// Ungated stages skip the approval states. Any terminal state may move back
// to Running: re-running a stage regenerates it from scratch.
type StageStatus string

const (
	StatusPending          StageStatus = "pending"
	StatusRunning          StageStatus = "running"
	StatusAwaitingApproval StageStatus = "awaiting_approval"
	StatusApproved         StageStatus = "approved"
	StatusCompleted        StageStatus = "completed"
	StatusFailed           StageStatus = "failed"
	StatusRejected         StageStatus = "rejected"
)

var legalTransitions = map[StageStatus][]StageStatus{
	StatusPending:          {StatusRunning},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:         {StatusRunning},
	StatusCompleted:        {StatusRunning},
	StatusFailed:           {StatusRunning},
	StatusRejected:         {StatusRunning},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s StageStatus) CanTransition(next StageStatus) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a stage run.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// StageState is the persisted per-stage record inside RunState.
type StageState struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts,omitempty"` // test-execution only
	StartedAt  string      `json:"started_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// HistoryEntry records one stage status change.
type HistoryEntry struct {
	Stage  string      `json:"stage"`
	Status StageStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
	At     string      `json:"at"`
}

// RunState is the durable pipeline state for a workspace, persisted as
// pipeline.json at the artifact store root.
type RunState struct {
	Workspace string                 `json:"workspace"`
	BRD       string                 `json:"brd,omitempty"`
	Story     string                 `json:"story,omitempty"`
	Epic      string                 `json:"epic,omitempty"`
	Branch    string                 `json:"branch,omitempty"`
	Stages    map[string]*StageState `json:"stages"`
	History   []HistoryEntry         `json:"history,omitempty"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

// NewRunState returns a fresh state with every stage pending.
func NewRunState(workspace string) *RunState {
	now := nowStamp()
	st := &RunState{
		Workspace: workspace,
		Stages:    make(map[string]*StageState),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, def := range Defs() {
		st.Stages[def.Name] = &StageState{Name: def.Name, Status: StatusPending}
	}
	return st
}

// Stage returns the tracked state for a stage, creating a pending record
// when the state file predates the stage.
func (st *RunState) Stage(name string) *StageState {
	if st.Stages == nil {
		st.Stages = make(map[string]*StageState)
	}
	s, ok := st.Stages[name]
	if !ok {
		s = &StageState{Name: name, Status: StatusPending}
		st.Stages[name] = s
	}
	return s
}

// SetStage moves a stage to status and appends a history entry. Entering
// Running from pending or a terminal state starts a fresh run and resets the
// stage's timestamps; entering it from Approved is the publish phase of the
// same run.
func (st *RunState) SetStage(name string, status StageStatus, detail string) {
	s := st.Stage(name)
	now := nowStamp()
	if status == StatusRunning && (s.Status == StatusPending || s.Status.Terminal()) {
		s.StartedAt = now
		s.FinishedAt = ""
		s.Error = ""
		s.Attempts = 0
	}
	s.Status = status
	if status.Terminal() {
		s.FinishedAt = now
	}
	if status == StatusFailed {
		s.Error = detail
	}
	st.History = append(st.History, HistoryEntry{Stage: name, Status: status, Detail: detail, At: now})
	st.UpdatedAt = now
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// StoryPlan is the machine-readable story breakdown the epic-stories stage
// writes as stories.json.
type StoryPlan struct {
	Epics []EpicPlan `json:"epics"`
}

// EpicPlan is one epic in a StoryPlan.
type EpicPlan struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Stories     []StoryItem `json:"stories"`
}

// StoryItem is one story under an epic.
type StoryItem struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

var validPriorities = map[string]bool{"high": true, "medium": true, "low": true, "": true}

// Validate checks the structural invariants publication relies on: at least
// one epic, titles everywhere, and known priorities.
func (p *StoryPlan) Validate() error {
	if len(p.Epics) == 0 {
		return fmt.Errorf("no epics in plan")
	}
	for i, ep := range p.Epics {
		if strings.TrimSpace(ep.Title) == "" {
			return fmt.Errorf("epic %d has no title", i+1)
		}
		for j, s := range ep.Stories {
			if strings.TrimSpace(s.Title) == "" {
				return fmt.Errorf("epic %q: story %d has no title", ep.Title, j+1)
			}
			if !validPriorities[strings.ToLower(s.Priority)] {
				return fmt.Errorf("story %q: invalid priority %q", s.Title, s.Priority)
			}
		}
	}
	return nil
}

// StoryCount returns the number of stories across all epics.
func (p *StoryPlan) StoryCount() int {
	n := 0
	for _, ep := range p.Epics {
		n += len(ep.Stories)
	}
	return n
}

// TrackerKeys is written as tracker-keys.json after the epic-stories stage
// publishes: the created work item keys, mirroring the StoryPlan shape.
type TrackerKeys struct {
	Epics []EpicKeys `json:"epics"`
}

// EpicKeys is one created epic and its stories.
type EpicKeys struct {
	Key     string     `json:"key"`
	Title   string     `json:"title"`
	Stories []StoryKey `json:"stories"`
}

// StoryKey is one created story.
type StoryKey struct {
	Key   string `json:"key"`
	Title string `json:"title"`
}

// StoryCount returns the number of created stories across all epics.
func (k *TrackerKeys) StoryCount() int {
	n := 0
	for _, ep := range k.Epics {
		n += len(ep.Stories)
	}
	return n
}

// PRInfo is written as pr.json by the implementation stage once the pull
// request exists.
type PRInfo struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Story  string `json:"story"`
}
