package utils

import (
	"path/filepath"
	"strings"
)

// Within reports whether path is root itself or lies beneath it, after cleaning both.
// Symlinks are not resolved.
func Within(root, path string) bool {
	if strings.TrimSpace(root) == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
