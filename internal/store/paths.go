package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Path safety errors.
var (
	ErrInvalidPath = errors.New("invalid path")
	ErrDeniedPath  = errors.New("path denied by policy")
	ErrOutsideRoot = errors.New("path outside allowed roots")
)

// deniedSegments are directory names that are never traversed or written
// through Canonicalize, regardless of the allowed roots.
var deniedSegments = map[string]bool{
	".ssh":    true,
	".gnupg":  true,
	".aws":    true,
	".kube":   true,
	".docker": true,
}

// ValidateRelativePath validates and normalizes a relative path declaration.
// It rejects empty values, NUL bytes, backslashes, absolute paths, drive
// prefixes, and any ".", ".." or empty segment. The returned path uses forward
// slashes.
func ValidateRelativePath(path string) (string, error) {
	raw := strings.TrimSpace(path)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	}
	if strings.Contains(raw, "\\") {
		return "", fmt.Errorf("%w: contains backslash", ErrInvalidPath)
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("%w: absolute path", ErrInvalidPath)
	}

	parts := strings.Split(raw, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: illegal segment", ErrInvalidPath)
		}
	}
	if strings.HasSuffix(parts[0], ":") {
		return "", fmt.Errorf("%w: drive prefix", ErrInvalidPath)
	}
	return strings.Join(parts, "/"), nil
}

// Canonicalize resolves path to an absolute, cleaned form and verifies that it
// falls under one of the allowed roots and does not contain a denied segment.
func Canonicalize(path string, allowedRoots []string) (string, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	resolved = filepath.Clean(resolved)

	for _, segment := range strings.Split(resolved, string(filepath.Separator)) {
		if deniedSegments[segment] {
			return "", fmt.Errorf("%w: %s", ErrDeniedPath, resolved)
		}
	}

	for _, root := range allowedRoots {
		base, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		base = filepath.Clean(base)
		if isWithin(resolved, base) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoot, resolved)
}

func isWithin(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
