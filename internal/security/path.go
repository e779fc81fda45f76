package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and paths that climb out of their
// starting directory. Absolute paths are allowed.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

// ValidateFileName accepts a bare file name: no separators, no traversal
func ValidateFileName(name string) error {
	if err := ValidateFilePath(name); err != nil {
		return err
	}
	if name == "." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("not a plain file name: %s", name)
	}
	return nil
}

// ResolveWithin joins name onto baseDir and returns the cleaned path,
// failing if the result would leave baseDir.
func ResolveWithin(baseDir, name string) (string, error) {
	if err := ValidateFilePath(name); err != nil {
		return "", err
	}

	cleanBase := filepath.Clean(baseDir)
	full := filepath.Join(cleanBase, name)

	rel, err := filepath.Rel(cleanBase, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", name)
	}
	return full, nil
}
