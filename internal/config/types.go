package config

// Config is the top-level configuration structure parsed from workflow YAML.
type Config struct {
	Workflow Workflow `yaml:"workflow"`
	Agent    Agent    `yaml:"agent"`
	Tracker  Tracker  `yaml:"tracker"`
	Tests    Tests    `yaml:"tests"`
	Policies Policies `yaml:"policies"`
}

// Workflow holds workspace-level settings shared by every stage.
type Workflow struct {
	Name        string   `yaml:"name"`
	BaseBranch  string   `yaml:"base_branch"`
	ContextDirs []string `yaml:"context_dirs"`
}

// Agent configures how the coding agent CLI is invoked.
type Agent struct {
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	Flags   string `yaml:"flags"`
	Timeout string `yaml:"timeout"`
}

// Tracker configures the issue tracker CLI and the work item types it uses.
type Tracker struct {
	Command   string `yaml:"command"`
	Project   string `yaml:"project"`
	EpicType  string `yaml:"epic_type"`
	StoryType string `yaml:"story_type"`
}

// Tests configures test execution and the auto-fix loop. MaxFixRetries is a
// pointer so an explicit 0 (run once, never fix) is distinguishable from
// unset.
type Tests struct {
	Command       string `yaml:"command"`
	MaxFixRetries *int   `yaml:"max_fix_retries"`
	Timeout       string `yaml:"timeout"`
}

// FixRetries returns the configured fix budget, or the default when unset.
func (t Tests) FixRetries() int {
	if t.MaxFixRetries == nil {
		return DefaultMaxFixRetries
	}
	return *t.MaxFixRetries
}

// Policies points stage policy documents at overrides. Dir replaces the
// builtin policy directory wholesale; Overrides replace individual stages.
type Policies struct {
	Dir       string            `yaml:"dir"`
	Overrides map[string]string `yaml:"overrides"`
}
