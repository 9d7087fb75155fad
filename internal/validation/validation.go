// Package validation checks names and paths that end up as file names or
// storage paths.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// safeNameRegex matches safe path components (alphanumeric, dash, underscore, dot)
var safeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const maxNameLength = 128

// ValidateName checks an instance, diagnoser or partition name. kind is
// used in the error message.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", kind)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s name longer than %d characters: %s", kind, maxNameLength, name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s name cannot start with a dot: %s", kind, name)
	}
	if !safeNameRegex.MatchString(name) {
		return fmt.Errorf("invalid %s name: %s", kind, name)
	}
	return nil
}

// ValidateNames checks every name and reports the first failure.
func ValidateNames(kind string, names []string) error {
	for _, n := range names {
		if err := ValidateName(kind, n); err != nil {
			return err
		}
	}
	return nil
}

// SanitizePath validates a relative artifact path and returns it with
// leading and trailing slashes removed.
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") || strings.Contains(path, `\`) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing slashes
		}
		if !safeNameRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return strings.Trim(path, "/"), nil
}
