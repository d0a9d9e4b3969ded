package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for policy rendering.
type Vars map[string]string

// Render expands a policy template string with the given variables.
// {{variable}} is replaced with its value. Missing required variables cause an error.
// {{#if variable}}...{{/if}} blocks are included only if the variable is non-empty.
func Render(tmpl string, vars Vars) (string, error) {
	// Process conditional blocks iteratively, innermost first
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	// Second pass: expand variables, collecting any missing ones
	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		m := varRe.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		varName := m[1]
		if val, ok := vars[varName]; ok {
			return val
		}
		missing = append(missing, varName)
		return match // leave placeholder for error reporting
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}

	return expanded, nil
}

// processConditionals handles {{#if var}}...{{/if}} blocks, supporting nesting.
// It processes innermost blocks first by finding the last {{#if before each {{/if}}.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		// Find the first {{/if}}
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		// The last {{#if ...}} before this {{/if}} is the innermost block
		prefix := result[:closeIdx]
		openLocs := ifOpenRe.FindAllStringIndex(prefix, -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}

		// Take the last (innermost) opening tag
		lastOpen := openLocs[len(openLocs)-1]
		openStart := lastOpen[0]
		openEnd := lastOpen[1]

		// Extract variable name from the opening tag
		openTag := prefix[openStart:openEnd]
		m := ifOpenRe.FindStringSubmatch(openTag)
		if m == nil {
			return "", fmt.Errorf("failed to parse conditional tag: %s", openTag)
		}
		varName := m[1]

		// Extract body between opening and closing tags
		body := result[openEnd:closeIdx]
		closeEnd := closeIdx + len(ifCloseStr)

		// Evaluate: include body if variable is set and non-empty
		var replacement string
		if val, ok := vars[varName]; ok && val != "" {
			replacement = body
		}

		result = result[:openStart] + replacement + result[closeEnd:]
	}

	// Check for unclosed conditional blocks
	if ifOpenRe.MatchString(result) {
		loc := ifOpenRe.FindString(result)
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}

	return result, nil
}

// PolicySource controls where a stage policy document is resolved from.
type PolicySource struct {
	Override string // explicit policy file path; wins over everything
	Dir      string // directory replacing the builtin policy set
	Workdir  string // base for relative Override paths
}

// LoadPolicy returns the policy document text for a stage.
// Resolution order: explicit override file, the configured policies dir,
// ~/.sdlc/policies, then the compiled-in builtin.
func LoadPolicy(stage string, src PolicySource) (string, error) {
	name := stage + ".md"

	if src.Override != "" {
		path := src.Override
		if !filepath.IsAbs(path) && src.Workdir != "" {
			path = filepath.Join(src.Workdir, path)
			// Prevent path traversal: resolved path must stay within workdir
			absPath, err := filepath.Abs(path)
			if err == nil {
				absWorkdir, err2 := filepath.Abs(src.Workdir)
				if err2 == nil && !strings.HasPrefix(absPath, absWorkdir+string(filepath.Separator)) && absPath != absWorkdir {
					return "", fmt.Errorf("policy path %q escapes workspace", src.Override)
				}
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read policy override %q: %w", src.Override, err)
		}
		return string(data), nil
	}

	if src.Dir != "" {
		if data, err := os.ReadFile(filepath.Join(src.Dir, name)); err == nil {
			return string(data), nil
		}
	}

	if dir := builtinPolicyDir(); dir != "" {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), nil
		}
	}

	if content, ok := builtinPolicies[name]; ok {
		return content, nil
	}
	return "", fmt.Errorf("no policy document for stage %q", stage)
}

// builtinPolicyDir returns the path to the user's policy directory.
func builtinPolicyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sdlc", "policies")
}

// InstallBuiltinPolicies writes the builtin policy documents to
// ~/.sdlc/policies/ if they don't already exist, so users can edit them.
func InstallBuiltinPolicies() error {
	dir := builtinPolicyDir()
	if dir == "" {
		return fmt.Errorf("could not determine home directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policies dir: %w", err)
	}

	for name, content := range builtinPolicies {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write policy %q: %w", name, err)
		}
	}
	return nil
}
