package web

import (
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/db"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/gate"
	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"outcomeClass": func(outcome string) string {
		if outcome == gate.OutcomeApprove {
			return "result-pass"
		}
		return "result-fail"
	},
	"relTime": relTime,
}

// Server is the workspace dashboard: pipeline state, pending gates with
// approve/reject forms, and artifact viewing.
type Server struct {
	workspace string
	store     *artifact.Store
	state     *pipeline.StateStore
	gates     *gate.Keeper
	db        *db.DB // nil disables the activity feed
	port      int

	dashboardTmpl *template.Template
}

// Deps wires a Server's collaborators.
type Deps struct {
	Workspace string
	Store     *artifact.Store
	State     *pipeline.StateStore
	Gates     *gate.Keeper
	DB        *db.DB
	Port      int
}

// NewServer creates a Server with parsed templates.
func NewServer(deps Deps) *Server {
	return &Server{
		workspace:     deps.Workspace,
		store:         deps.Store,
		state:         deps.State,
		gates:         deps.Gates,
		db:            deps.DB,
		port:          deps.Port,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Start registers routes and starts listening.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("sdlc dashboard: http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.handleDashboard(w, r)
	})
	mux.HandleFunc("/gates/decide", s.handleDecide)
	mux.HandleFunc("/artifact", s.handleArtifact)
	mux.HandleFunc("/api/state", s.handleStateJSON)
	return mux
}
