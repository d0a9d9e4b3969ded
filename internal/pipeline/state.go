package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alokpandey-org/agentic-sdlc-workflow/internal/artifact"
)

// StateFileName is the pipeline state file, written directly under the
// artifact store root rather than inside any stage namespace.
const StateFileName = "pipeline.json"

// StateStore loads and saves a workspace's RunState with atomic writes.
type StateStore struct {
	mu        sync.Mutex
	path      string
	workspace string
}

// NewStateStore creates a state store rooted in the given artifact store.
func NewStateStore(store *artifact.Store) *StateStore {
	root := store.Root()
	return &StateStore{
		path:      filepath.Join(root, StateFileName),
		workspace: filepath.Dir(root),
	}
}

// Path returns the state file location.
func (s *StateStore) Path() string { return s.path }

// Load reads the current state. A missing file yields a fresh state rather
// than an error, so the first stage of a new workspace just works.
func (s *StateStore) Load() (*RunState, error) {
	var st RunState
	if err := artifact.ReadJSONFile(s.path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRunState(s.workspace), nil
		}
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}
	if st.Stages == nil {
		st.Stages = make(map[string]*StageState)
	}
	return &st, nil
}

// Save persists the state atomically, refreshing UpdatedAt.
func (s *StateStore) Save(st *RunState) error {
	st.UpdatedAt = nowStamp()
	if err := artifact.WriteJSONFile(s.path, st); err != nil {
		return fmt.Errorf("save pipeline state: %w", err)
	}
	return nil
}

// Update applies fn to the current state under the store lock and saves the
// result, returning the updated state.
func (s *StateStore) Update(fn func(*RunState)) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}
