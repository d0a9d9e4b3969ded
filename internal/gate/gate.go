package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/huh"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/term"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
)

// Namespace is the artifact namespace gate requests and decisions live under.
const Namespace = "approvals"

// Gates in traversal order.
const (
	GateA = "A" // epic and story breakdown
	GateB = "B" // implementation and PR
	GateC = "C" // unit test plan
	GateD = "D" // integration test plan
)

// Decision outcomes.
const (
	OutcomeApprove = "approve"
	OutcomeReject  = "reject"
)

// ErrRejected indicates a reviewer rejected a gate.
var ErrRejected = errors.New("gate rejected")

var knownGates = map[string]bool{GateA: true, GateB: true, GateC: true, GateD: true}

// Normalize upper-cases a gate name and checks it is one of A, B, C, D.
func Normalize(g string) (string, error) {
	g = strings.ToUpper(strings.TrimSpace(g))
	if !knownGates[g] {
		return "", fmt.Errorf("unknown gate %q: must be A, B, C, or D", g)
	}
	return g, nil
}

// Decision records a reviewer's verdict on a gate.
type Decision struct {
	Gate      string `json:"gate"`
	Outcome   string `json:"outcome"`
	Note      string `json:"note,omitempty"`
	DecidedAt string `json:"decided_at"`
}

// Request is what a blocked run writes so a reviewer knows what to inspect.
type Request struct {
	Gate        string   `json:"gate"`
	Stage       string   `json:"stage"`
	Story       string   `json:"story,omitempty"`
	Artifacts   []string `json:"artifacts"`
	RequestedAt string   `json:"requested_at"`
}

func decisionName(g string) string { return strings.ToLower(g) + ".json" }
func requestName(g string) string  { return strings.ToLower(g) + ".request.json" }

// Opts configures a Keeper.
type Opts struct {
	Store *artifact.Store
	// Interactive forces the terminal prompt even when stdin looks piped.
	Interactive bool
	Logf        func(format string, args ...interface{})
	// OnDecision fires after a decision is recorded, with the requested_at
	// timestamp of the matching request when one was pending.
	OnDecision func(d Decision, requestedAt string)
}

// Keeper blocks pipeline traversal at gates until a reviewer decides.
type Keeper struct {
	store       *artifact.Store
	interactive bool
	logf        func(format string, args ...interface{})
	onDecision  func(d Decision, requestedAt string)
	isTTY       func() bool
	form        func(gate string, artifacts []string) (Decision, error)
}

// New creates a Keeper over the given artifact store.
func New(opts Opts) *Keeper {
	k := &Keeper{
		store:       opts.Store,
		interactive: opts.Interactive,
		logf:        opts.Logf,
		onDecision:  opts.OnDecision,
	}
	if k.logf == nil {
		k.logf = func(string, ...interface{}) {}
	}
	k.isTTY = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	k.form = runDecisionForm
	return k
}

// AwaitOpts describes the gate being waited on.
type AwaitOpts struct {
	Gate      string
	Stage     string
	Story     string
	Artifacts []string
}

// Await blocks until the gate has a decision and returns it. An approve
// returns a nil error; a reject returns the decision wrapped in ErrRejected.
// A decision recorded before the call is honored without prompting, so a
// resumed run does not re-ask for an answered gate.
func (k *Keeper) Await(ctx context.Context, opts AwaitOpts) (*Decision, error) {
	g, err := Normalize(opts.Gate)
	if err != nil {
		return nil, err
	}

	if d, err := k.Load(g); err == nil {
		return k.resolve(d)
	} else if !errors.Is(err, artifact.ErrNotFound) {
		return nil, err
	}

	k.logf("gate %s: awaiting decision for %s", g, opts.Stage)
	for _, a := range opts.Artifacts {
		k.logf("  review: %s", a)
	}

	if k.interactive || k.isTTY() {
		d, err := k.form(g, opts.Artifacts)
		if err != nil {
			return nil, err
		}
		d.Gate = g
		if err := k.Record(d); err != nil {
			return nil, err
		}
		return k.resolve(&d)
	}

	if err := k.RequestReview(opts); err != nil {
		return nil, err
	}
	k.logf("gate %s: run `sdlc approve %s` or `sdlc reject %s` to continue", g, g, g)

	d, err := k.awaitFile(ctx, g)
	if err != nil {
		return nil, err
	}
	return k.resolve(d)
}

// Load reads a recorded decision. Absence surfaces the store's not-found
// error.
func (k *Keeper) Load(gate string) (*Decision, error) {
	g, err := Normalize(gate)
	if err != nil {
		return nil, err
	}
	var d Decision
	if err := k.store.ReadJSON(Namespace, decisionName(g), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadRequest reads a gate's pending review request. Absence surfaces the
// store's not-found error.
func (k *Keeper) LoadRequest(gate string) (*Request, error) {
	g, err := Normalize(gate)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := k.store.ReadJSON(Namespace, requestName(g), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Record persists a decision exactly once. A gate that already has a
// decision refuses a second one; clear the stage to re-review.
func (k *Keeper) Record(d Decision) error {
	g, err := Normalize(d.Gate)
	if err != nil {
		return err
	}
	d.Gate = g
	if d.Outcome != OutcomeApprove && d.Outcome != OutcomeReject {
		return fmt.Errorf("invalid outcome %q: must be approve or reject", d.Outcome)
	}
	if existing, err := k.Load(g); err == nil {
		return fmt.Errorf("gate %s already decided: %s", g, existing.Outcome)
	}
	if d.DecidedAt == "" {
		d.DecidedAt = time.Now().UTC().Format(time.RFC3339)
	}

	requestedAt := ""
	if req, err := k.LoadRequest(g); err == nil {
		requestedAt = req.RequestedAt
	}

	if err := k.store.WriteJSON(Namespace, decisionName(g), d); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	_ = k.store.Remove(Namespace, requestName(g))

	k.logf("gate %s: %s recorded", g, d.Outcome)
	if k.onDecision != nil {
		k.onDecision(d, requestedAt)
	}
	return nil
}

// Clear removes a gate's decision and request files. Regenerating a gated
// stage calls this so a stale approval cannot cover fresh artifacts.
func (k *Keeper) Clear(gate string) error {
	g, err := Normalize(gate)
	if err != nil {
		return err
	}
	if err := k.store.Remove(Namespace, decisionName(g)); err != nil {
		return err
	}
	return k.store.Remove(Namespace, requestName(g))
}

// DecisionPath returns where a gate's decision file lives.
func (k *Keeper) DecisionPath(gate string) string {
	return k.store.Path(Namespace, decisionName(strings.ToUpper(gate)))
}

func (k *Keeper) resolve(d *Decision) (*Decision, error) {
	if d.Outcome == OutcomeReject {
		return d, fmt.Errorf("gate %s: %w", d.Gate, ErrRejected)
	}
	return d, nil
}

// RequestReview writes the pending-review request file so an out-of-band
// reviewer can see what a blocked gate is waiting on. Await does this itself
// when it blocks; generate-only runs call it before handing control back.
func (k *Keeper) RequestReview(opts AwaitOpts) error {
	g, err := Normalize(opts.Gate)
	if err != nil {
		return err
	}
	req := Request{
		Gate:        g,
		Stage:       opts.Stage,
		Story:       opts.Story,
		Artifacts:   opts.Artifacts,
		RequestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if req.Artifacts == nil {
		req.Artifacts = []string{}
	}
	if err := k.store.WriteJSON(Namespace, requestName(g), req); err != nil {
		return fmt.Errorf("write gate request: %w", err)
	}
	return nil
}

// awaitFile blocks until the decision file appears. It prefers waking on
// filesystem events and keeps a capped exponential poll as a safety net for
// platforms or mounts where the watcher misses writes.
func (k *Keeper) awaitFile(ctx context.Context, g string) (*Decision, error) {
	var events <-chan fsnotify.Event
	var werrs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(k.store.Dir(Namespace)); err == nil {
			events = watcher.Events
			werrs = watcher.Errors
		} else {
			k.logf("gate %s: watch unavailable, polling: %v", g, err)
		}
	} else {
		k.logf("gate %s: watch unavailable, polling: %v", g, err)
	}

	// Stateful; a fresh instance per wait.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	// Any wake re-checks the decision file, so a missed or unrelated event
	// costs one read and nothing more.
	for {
		d, err := k.Load(g)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case werr, ok := <-werrs:
			if !ok {
				werrs = nil
			} else {
				k.logf("gate %s: watcher error: %v", g, werr)
			}
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// runDecisionForm collects a decision through a terminal form.
func runDecisionForm(g string, artifacts []string) (Decision, error) {
	outcome := OutcomeApprove
	var note string

	options := []huh.Option[string]{
		huh.NewOption("Approve", OutcomeApprove),
		huh.NewOption("Reject", OutcomeReject),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Gate %s", g)).
				Description(fmt.Sprintf("Review %d artifact(s) listed above, then decide.", len(artifacts))).
				Options(options...).
				Value(&outcome),
			huh.NewInput().
				Title("Note").
				Description("Optional context recorded with the decision").
				Value(&note),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return Decision{}, fmt.Errorf("gate %s: decision aborted", g)
		}
		return Decision{}, fmt.Errorf("gate form: %w", err)
	}
	return Decision{Gate: g, Outcome: outcome, Note: note}, nil
}
