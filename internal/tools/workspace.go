package tools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrWorkspaceViolation reports a path escaping the workspace root or hitting
// the deny-list.
var ErrWorkspaceViolation = errors.New("workspace violation")

// DefaultDenyGlobs are path patterns that are never reachable through the
// guard, relative to the workspace root.
var DefaultDenyGlobs = []string{
	"**/.env",
	"**/.env.*",
	"**/.git/**",
	"**/.ssh/**",
	"**/*id_rsa*",
	"**/*.pem",
	"**/*.key",
	"**/secrets/**",
	"**/secrets.*",
	"**/*secret*",
	"**/*token*",
}

// WorkspaceGuard confines filesystem arguments to a root directory.
type WorkspaceGuard struct {
	Root      string
	DenyGlobs []string
}

// NewWorkspaceGuard builds a guard over root with the default deny-list.
func NewWorkspaceGuard(root string) *WorkspaceGuard {
	return &WorkspaceGuard{Root: root, DenyGlobs: DefaultDenyGlobs}
}

// AssertInWorkspace resolves path (relative paths are taken against the root)
// and verifies it stays under the root and off the deny-list. It returns the
// resolved absolute path.
func (g *WorkspaceGuard) AssertInWorkspace(path string) (string, error) {
	root, err := filepath.Abs(g.Root)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root: %v", ErrWorkspaceViolation, err)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	resolved, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("%w: resolve path: %v", ErrWorkspaceViolation, err)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path outside workspace: %s", ErrWorkspaceViolation, resolved)
	}

	relSlash := filepath.ToSlash(rel)
	globs := g.DenyGlobs
	if globs == nil {
		globs = DefaultDenyGlobs
	}
	for _, pattern := range globs {
		if ok, err := doublestar.Match(pattern, relSlash); err == nil && ok {
			return "", fmt.Errorf("%w: path denied by policy: %s", ErrWorkspaceViolation, resolved)
		}
	}
	return resolved, nil
}
