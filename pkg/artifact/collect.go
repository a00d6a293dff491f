package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidatePattern reports whether pattern is a usable artifact glob.
//
// Patterns are slash-separated and relative to the stage directory; `**`
// matches any number of directories.
func ValidatePattern(pattern string) error {
	normalized := filepath.ToSlash(strings.TrimSpace(pattern))
	if normalized == "" || strings.HasPrefix(normalized, "/") || !doublestar.ValidatePattern(normalized) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return fmt.Errorf("%w: %q escapes the stage directory", ErrInvalidPattern, pattern)
	}
	return nil
}

// Collect returns the regular files under dir matching pattern, as sorted
// slash-separated paths relative to dir.
func Collect(dir, pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	normalized := filepath.ToSlash(strings.TrimSpace(pattern))

	matches, err := doublestar.Glob(os.DirFS(dir), normalized, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("collect %q in %s: %w", pattern, dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}
