package tracker

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// CmdRunner provides tracker CLI execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs tracker commands via exec.
type ExecRunner struct {
	Command string
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	command := r.Command
	if command == "" {
		command = "jira"
	}
	cmd := exec.Command(command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s: %s: %w", command, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Kind identifies the role of a work item in the workflow.
type Kind string

const (
	KindEpic  Kind = "Epic"
	KindStory Kind = "Story"
)

// WorkItem represents a tracker issue.
type WorkItem struct {
	Kind        Kind   `json:"kind"`
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ParentKey   string `json:"parent_key,omitempty"`
}

// Client provides issue tracker operations.
type Client struct {
	cmd       CmdRunner
	project   string
	epicType  string
	storyType string
}

// NewClient creates a tracker client scoped to a project. Issue types
// default to "Epic" and "Story".
func NewClient(cmd CmdRunner, project string) *Client {
	return &Client{cmd: cmd, project: project, epicType: string(KindEpic), storyType: string(KindStory)}
}

// NewClientWithTypes creates a tracker client with custom issue type names,
// for instances that map epics and stories onto differently named types.
func NewClientWithTypes(cmd CmdRunner, project, epicType, storyType string) *Client {
	c := NewClient(cmd, project)
	if epicType != "" {
		c.epicType = epicType
	}
	if storyType != "" {
		c.storyType = storyType
	}
	return c
}

var keyRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]+$`)
var keyScanRe = regexp.MustCompile(`[A-Z][A-Z0-9]*-[0-9]+`)

// ValidateKey checks that an issue key is well formed, e.g. BILL-42.
func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid issue key %q: expected PROJECT-123 form", key)
	}
	return nil
}

// extractKey pulls the first issue key out of CLI output. Create commands
// print a browse URL ending in the new key rather than structured output.
func extractKey(out string) (string, error) {
	key := keyScanRe.FindString(out)
	if key == "" {
		return "", fmt.Errorf("no issue key in output %q", out)
	}
	return key, nil
}

// CreateEpic creates an epic and returns its key.
func (c *Client) CreateEpic(title, description string) (string, error) {
	return c.create(c.epicType, title, description, "", "")
}

// CreateStory creates a story, optionally linked to a parent epic, and
// returns its key.
func (c *Client) CreateStory(title, description, parentKey, priority string) (string, error) {
	if parentKey != "" {
		if err := ValidateKey(parentKey); err != nil {
			return "", err
		}
	}
	return c.create(c.storyType, title, description, parentKey, priority)
}

func (c *Client) create(issueType, title, description, parentKey, priority string) (string, error) {
	args := []string{"issue", "create", "--type", issueType, "--summary", title, "--no-input"}
	if c.project != "" {
		args = append(args, "--project", c.project)
	}
	if description != "" {
		args = append(args, "--body", description)
	}
	if priority != "" {
		args = append(args, "--priority", priority)
	}
	if parentKey != "" {
		args = append(args, "--parent", parentKey)
	}

	out, err := c.cmd.Run(args...)
	if err != nil {
		return "", fmt.Errorf("create %s %q: %w", strings.ToLower(issueType), title, err)
	}

	key, err := extractKey(out)
	if err != nil {
		return "", fmt.Errorf("create %s %q: %w", strings.ToLower(issueType), title, err)
	}
	return key, nil
}

// rawIssue mirrors the tracker's REST payload as emitted by `issue view --raw`.
type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Parent struct {
			Key string `json:"key"`
		} `json:"parent"`
	} `json:"fields"`
}

// GetIssue fetches a tracker issue by key.
func (c *Client) GetIssue(key string) (*WorkItem, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	out, err := c.cmd.Run("issue", "view", key, "--raw")
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	var raw rawIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}

	item := &WorkItem{
		Kind:        c.kindOf(raw.Fields.IssueType.Name),
		Key:         raw.Key,
		Title:       raw.Fields.Summary,
		Description: raw.Fields.Description,
		Priority:    raw.Fields.Priority.Name,
		ParentKey:   raw.Fields.Parent.Key,
	}
	if item.Key == "" {
		item.Key = key
	}
	return item, nil
}

// VerifyType reports whether the issue identified by key has the given kind.
func (c *Client) VerifyType(key string, kind Kind) (bool, error) {
	item, err := c.GetIssue(key)
	if err != nil {
		return false, err
	}
	return item.Kind == kind, nil
}

// kindOf maps a tracker issue type name onto the workflow kind. Unrecognized
// types pass through verbatim so mismatch reports show the actual type.
func (c *Client) kindOf(issueType string) Kind {
	switch {
	case strings.EqualFold(issueType, c.epicType):
		return KindEpic
	case strings.EqualFold(issueType, c.storyType):
		return KindStory
	default:
		return Kind(issueType)
	}
}
