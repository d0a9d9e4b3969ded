package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/db"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
)

// ---- view models ----

type DashboardData struct {
	Workspace string
	Story     string
	Epic      string
	Branch    string
	Stages    []StageRow
	Pending   []RequestRow
	Events    []ActivityRow
}

type StageRow struct {
	Name       string
	Status     string
	Gate       string
	Outcome    string // empty until the gate is decided
	Note       string
	Attempts   int
	UpdatedAgo string
	Error      string
	Artifacts  []ArtifactLink
}

type ArtifactLink struct {
	Name string
	Href string
}

type RequestRow struct {
	Gate         string
	Stage        string
	Story        string
	RequestedAgo string
	Artifacts    []ArtifactLink
}

type ActivityRow struct {
	Event   string
	Stage   string
	Story   string
	Detail  string
	TimeAgo string
}

const maxActivityRows = 20

// ---- handlers ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := s.dashboardData()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.dashboardTmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleDecide records a gate decision from the dashboard form and returns
// to the dashboard. A gate that is already decided refuses a second verdict.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.decide(r.FormValue("gate"), r.FormValue("outcome"), r.FormValue("note"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) decide(gateName, outcome, note string) error {
	return s.gates.Record(gate.Decision{Gate: gateName, Outcome: outcome, Note: note})
}

// handleArtifact serves one artifact's text so reviewers can read it in the
// browser.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("ns")
	name := r.URL.Query().Get("name")
	if !validArtifactRef(ns, name) {
		http.NotFound(w, r)
		return
	}
	data, err := s.store.Read(ns, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(stripANSI(string(data))))
}

func (s *Server) handleStateJSON(w http.ResponseWriter, r *http.Request) {
	st, err := s.state.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	decisions := make(map[string]*gate.Decision)
	for _, def := range pipeline.Defs() {
		if def.Gate == "" {
			continue
		}
		if d, err := s.gates.Load(def.Gate); err == nil {
			decisions[def.Gate] = d
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"state":     st,
		"decisions": decisions,
	})
}

// ---- view model builders ----

func (s *Server) dashboardData() (*DashboardData, error) {
	st, err := s.state.Load()
	if err != nil {
		return nil, err
	}

	data := &DashboardData{
		Workspace: s.workspace,
		Story:     st.Story,
		Epic:      st.Epic,
		Branch:    st.Branch,
	}

	for _, def := range pipeline.Defs() {
		stage := st.Stage(def.Name)
		row := StageRow{
			Name:      def.Name,
			Status:    string(stage.Status),
			Gate:      def.Gate,
			Attempts:  stage.Attempts,
			Error:     stage.Error,
			Artifacts: s.artifactLinks(def.Namespace),
		}
		if ts := lastTimestamp(stage); ts != "" {
			row.UpdatedAgo = relTime(ts)
		}
		if def.Gate != "" {
			if d, err := s.gates.Load(def.Gate); err == nil {
				row.Outcome = d.Outcome
				row.Note = d.Note
			}
		}
		data.Stages = append(data.Stages, row)

		if def.Gate != "" {
			if req, err := s.gates.LoadRequest(def.Gate); err == nil {
				data.Pending = append(data.Pending, requestRow(req))
			}
		}
	}

	if s.db != nil {
		events, err := s.db.GetPipelineHistory(s.workspace)
		if err == nil {
			if len(events) > maxActivityRows {
				events = events[:maxActivityRows]
			}
			for _, e := range events {
				data.Events = append(data.Events, activityRow(e))
			}
		}
	}
	return data, nil
}

func (s *Server) artifactLinks(namespace string) []ArtifactLink {
	names, err := s.store.List(namespace)
	if err != nil {
		return nil
	}
	links := make([]ArtifactLink, 0, len(names))
	for _, n := range names {
		links = append(links, ArtifactLink{Name: n, Href: artifactHref(namespace, n)})
	}
	return links
}

func requestRow(req *gate.Request) RequestRow {
	row := RequestRow{
		Gate:         req.Gate,
		Stage:        req.Stage,
		Story:        req.Story,
		RequestedAgo: relTime(req.RequestedAt),
	}
	for _, p := range req.Artifacts {
		// Request files carry absolute paths; the link needs namespace/name.
		ns := filepath.Base(filepath.Dir(p))
		name := filepath.Base(p)
		if ns == "." || name == "." {
			continue
		}
		row.Artifacts = append(row.Artifacts, ArtifactLink{Name: name, Href: artifactHref(ns, name)})
	}
	return row
}

func activityRow(e db.PipelineEvent) ActivityRow {
	return ActivityRow{
		Event:   e.Event,
		Stage:   e.Stage,
		Story:   e.Story,
		Detail:  e.Detail,
		TimeAgo: relTime(e.Timestamp),
	}
}

// ---- helpers ----

func artifactHref(ns, name string) string {
	return "/artifact?ns=" + url.QueryEscape(ns) + "&name=" + url.QueryEscape(name)
}

// validArtifactRef rejects refs that could escape the artifact store.
func validArtifactRef(ns, name string) bool {
	for _, part := range []string{ns, name} {
		if part == "" || strings.ContainsAny(part, "/\\") || part == ".." || strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

func lastTimestamp(stage *pipeline.StageState) string {
	if stage.FinishedAt != "" {
		return stage.FinishedAt
	}
	return stage.StartedAt
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][012B]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
