// Package pathsafe provides the canonical-path traversal guard shared
// by the static-file cache and the error-page resolver: a requested
// path is only served if its canonical form still lies under the
// canonical form of its configured base directory.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WithinBase reports whether canonicalTarget lies at or under
// canonicalBase. Both arguments must already be canonicalized
// (filepath.EvalSymlinks + filepath.Clean); this function does no I/O.
func WithinBase(canonicalBase, canonicalTarget string) bool {
	if canonicalTarget == canonicalBase {
		return true
	}
	return strings.HasPrefix(canonicalTarget, canonicalBase+string(filepath.Separator))
}

// Join joins base and relative the naive way (no traversal collapsing
// beyond filepath.Clean) — the actual defense happens afterward, by
// canonicalizing the result and checking WithinBase.
func Join(base, relative string) string {
	return filepath.Join(base, relative)
}

// Canonicalize resolves symlinks and cleans path, producing the
// absolute, traversal-free form used for the WithinBase comparison.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path of %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}
