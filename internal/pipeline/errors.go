package pipeline

import "fmt"

// MissingArtifactError reports a declared stage output that does not exist
// where the stage contract says it must. Stage is the owning stage, Name the
// artifact filename, Path the absolute location that was checked.
type MissingArtifactError struct {
	Stage string
	Name  string
	Path  string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("stage %s: missing artifact %s (expected at %s)", e.Stage, e.Name, e.Path)
}

// GatewayError wraps a failure from one of the external tools the pipeline
// drives. Gateway names which one: agent, tracker, or vcs.
type GatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// TypeMismatchError reports a tracker item whose type does not fit the role
// the pipeline needs it in. Got is empty when the expected item is absent
// altogether, such as a story with no parent epic.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("issue %s: expected %s, found none", e.Key, e.Want)
	}
	return fmt.Sprintf("issue %s: expected %s, got %s", e.Key, e.Want, e.Got)
}
