package vcs

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CmdRunner provides code host CLI execution. Interface for testing.
type CmdRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGh implements CmdRunner using the gh CLI.
type ExecGh struct{}

func (g *ExecGh) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client performs git and code host operations against one repository.
type Client struct {
	git  GitRunner
	host CmdRunner
	dir  string
}

// NewClient creates a VCS client rooted at the given repository directory.
func NewClient(git GitRunner, host CmdRunner, dir string) *Client {
	return &Client{git: git, host: host, dir: dir}
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// BranchForStory derives the working branch name for a story key.
func BranchForStory(key string) string {
	return sanitizeBranch("story/" + key)
}

// IsRepo reports whether the client's directory is inside a git work tree.
func (c *Client) IsRepo() bool {
	out, err := c.git.Run(c.dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch() (string, error) {
	out, err := c.git.Run(c.dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// EnsureBranch checks out the named branch, creating it from base when it
// does not exist yet. Re-running against an existing branch is a no-op.
func (c *Client) EnsureBranch(name, base string) error {
	name = sanitizeBranch(name)
	if name == "" {
		return fmt.Errorf("empty branch name")
	}

	current, err := c.git.Run(c.dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil && current == name {
		return nil
	}

	if _, err := c.git.Run(c.dir, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
		if _, err := c.git.Run(c.dir, "checkout", name); err != nil {
			return fmt.Errorf("checkout branch %q: %w", name, err)
		}
		return nil
	}

	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	if _, err := c.git.Run(c.dir, args...); err != nil {
		return fmt.Errorf("create branch %q: %w", name, err)
	}
	return nil
}

// CommitAll stages and commits all pending changes. Returns false without
// error when the working tree is clean.
func (c *Client) CommitAll(message string) (bool, error) {
	status, err := c.git.Run(c.dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := c.git.Run(c.dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := c.git.Run(c.dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push pushes a branch to the remote.
func (c *Client) Push(branch string) error {
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	if _, err := c.git.Run(c.dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// DetectDefaultBranch resolves the repository's default branch. It consults
// the remote HEAD first, then probes common local names, and settles on
// "main" when nothing answers.
func (c *Client) DetectDefaultBranch() string {
	out, err := c.git.Run(c.dir, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil {
		if name := strings.TrimPrefix(out, "origin/"); name != "" {
			return name
		}
	}
	for _, name := range []string{"main", "master"} {
		if _, err := c.git.Run(c.dir, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
			return name
		}
	}
	return "main"
}

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Title  string
	Body   string
	Branch string
	Base   string
}

// PRCreateResult holds the result of creating or finding a PR.
type PRCreateResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

var prURLRe = regexp.MustCompile(`/pull/([0-9]+)$`)

// CreatePR creates a pull request.
func (c *Client) CreatePR(opts PRCreateOpts) (*PRCreateResult, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	out, err := c.host.Run(c.dir, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	result := &PRCreateResult{URL: out}
	if m := prURLRe.FindStringSubmatch(out); m != nil {
		result.Number, _ = strconv.Atoi(m[1])
	}
	return result, nil
}

// FindPRByBranch checks if a PR already exists for a given branch.
// Returns the PR result if found, nil if none exist.
func (c *Client) FindPRByBranch(branch string) (*PRCreateResult, error) {
	out, err := c.host.Run(c.dir, "pr", "list", "--head", branch, "--json", "number,url", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []PRCreateResult
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}
