package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxSymlinkDepth bounds symlink resolution. Deeper chains are rejected
// rather than followed.
const MaxSymlinkDepth = 40

// Canonicalize resolves path to an absolute, symlink-free form.
//
// Unlike filepath.EvalSymlinks it tolerates paths that do not exist yet:
// components past the deepest existing ancestor are joined lexically. That
// matters for write targets. The result is idempotent, so canonicalising
// an already canonical path returns it unchanged.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	sep := string(filepath.Separator)
	parts := splitComponents(abs)
	resolved := sep
	depth := 0

	for i := 0; i < len(parts); i++ {
		candidate := filepath.Join(resolved, parts[i])

		fi, err := os.Lstat(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				// Deepest existing ancestor reached; the remainder is
				// joined lexically.
				rest := append([]string{resolved}, parts[i:]...)
				return filepath.Join(rest...), nil
			}
			return "", fmt.Errorf("failed to inspect %s: %w", candidate, err)
		}

		if fi.Mode()&os.ModeSymlink == 0 {
			resolved = candidate
			continue
		}

		depth++
		if depth > MaxSymlinkDepth {
			return "", fmt.Errorf("too many levels of symbolic links resolving %s", path)
		}

		target, err := os.Readlink(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to read link %s: %w", candidate, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(resolved, target)
		}

		// Restart the walk from the link target plus the unvisited tail.
		rest := append([]string{target}, parts[i+1:]...)
		parts = splitComponents(filepath.Clean(filepath.Join(rest...)))
		resolved = sep
		i = -1
	}

	return resolved, nil
}

func splitComponents(abs string) []string {
	trimmed := strings.TrimPrefix(abs, string(filepath.Separator))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, string(filepath.Separator))
}
