package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Canonicalize resolves path to an absolute, symlink-resolved form, as
// spec.md §4.4 requires for every watch path. filepath.EvalSymlinks
// fails for a path that does not yet exist (a watch may be configured
// before its target directory is created), in which case the merely-
// absolute form is used instead — canonicalization never hard-fails
// config parsing; a genuinely missing target is reported as a watch
// error when the started Watch opens its kernel session.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to resolve %s: %w", path, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

// Truthy converts a scalar global-option value to a bool, per spec.md
// §6: bool and int pass through (int via != 0); strings "1"/"yes"/
// "true" (case-insensitive) are true, "0"/"no"/"false"/"" are false.
// Any other type, or an unrecognized string, is an error.
func Truthy(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("config: %q is not a recognized boolean value", t)
	default:
		return false, fmt.Errorf("config: value must be a bool, int, or string, got %T", v)
	}
}
