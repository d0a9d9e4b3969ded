package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// StoreDirName is the directory created under the workspace root that holds
// every durable artifact the pipeline produces.
const StoreDirName = "sdlc-artifacts"

// ErrNotFound is returned by Read and ReadJSON when the named artifact does
// not exist in its namespace. Callers that require the artifact translate
// this into a stage failure; callers probing optional state treat it as a
// plain miss.
var ErrNotFound = errors.New("artifact not found")

// Store manages stage artifacts under <workspace>/sdlc-artifacts.
// Each stage writes into its own namespace directory and never into another
// stage's namespace.
type Store struct {
	root string
}

// NewStore creates a Store for the given workspace root. The backing
// directory is created lazily on first write.
func NewStore(workspaceRoot string) *Store {
	return &Store{root: filepath.Join(workspaceRoot, StoreDirName)}
}

// Root returns the store's root directory (the sdlc-artifacts dir itself).
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory for a namespace.
func (s *Store) Dir(namespace string) string {
	return filepath.Join(s.root, namespace)
}

// Path returns the on-disk path for an artifact without checking existence.
func (s *Store) Path(namespace, name string) string {
	return filepath.Join(s.root, namespace, name)
}

// Write stores data under namespace/name atomically, creating the namespace
// directory if needed.
func (s *Store) Write(namespace, name string, data []byte) error {
	return WriteFileAtomic(s.Path(namespace, name), data)
}

// WriteJSON stores v as pretty-printed JSON under namespace/name.
func (s *Store) WriteJSON(namespace, name string, v interface{}) error {
	return WriteJSONFile(s.Path(namespace, name), v)
}

// Read returns the contents of namespace/name, or ErrNotFound if the
// artifact does not exist.
func (s *Store) Read(namespace, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(namespace, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact %s/%s: %w", namespace, name, err)
	}
	return data, nil
}

// ReadJSON reads namespace/name into v. Returns ErrNotFound (wrapped) when
// the artifact is absent.
func (s *Store) ReadJSON(namespace, name string, v interface{}) error {
	data, err := s.Read(namespace, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", namespace, name, err)
	}
	return nil
}

// Exists reports whether the artifact is present.
func (s *Store) Exists(namespace, name string) bool {
	_, err := os.Stat(s.Path(namespace, name))
	return err == nil
}

// ResetNamespace removes every artifact in the namespace so a re-run starts
// from a clean slate. Removing a namespace that does not exist is a no-op.
func (s *Store) ResetNamespace(namespace string) error {
	dir := s.Dir(namespace)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset namespace %s: %w", namespace, err)
	}
	return nil
}

// Remove deletes a single artifact. Removing an absent artifact is a no-op.
func (s *Store) Remove(namespace, name string) error {
	err := os.Remove(s.Path(namespace, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact %s/%s: %w", namespace, name, err)
	}
	return nil
}

// List returns the artifact names in a namespace, sorted. A namespace that
// does not exist yet lists as empty.
func (s *Store) List(namespace string) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read namespace %s: %w", namespace, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
