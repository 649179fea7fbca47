// Package discovery implements the candidate-file predicate and
// include/exclude path membership rules. It is pure path
// logic: no file reads, no parsing.
package discovery

import (
	"path/filepath"
	"strings"
)

// certExtensions are file extensions that always mark a candidate file.
var certExtensions = map[string]bool{
	".pem": true, ".crt": true, ".cer": true, ".cert": true, ".der": true,
	".p7b": true, ".p7c": true, ".pfx": true, ".p12": true,
}

// certNamePatterns are basename substrings that mark a candidate file when
// the extension alone doesn't.
var certNamePatterns = []string{
	"cert", "certificate", "chain", "bundle", "ca-cert", "cacert",
}

// privateKeyExtensions always exclude a file regardless of name pattern.
var privateKeyExtensions = map[string]bool{
	".key": true, ".priv": true,
}

// IsPrivateKeyLike reports whether path looks like a private key file, per
// the extension/suffix/substring rules below. These files must
// never reach the parser.
func IsPrivateKeyLike(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	basename := strings.ToLower(filepath.Base(path))

	if privateKeyExtensions[ext] {
		return true
	}
	if strings.HasSuffix(basename, ".pem.key") ||
		strings.HasSuffix(basename, "_key") ||
		strings.HasSuffix(basename, "-key") ||
		strings.HasSuffix(basename, "key.pem") {
		return true
	}
	return strings.Contains(basename, "private")
}

// IsCandidate reports whether path is a candidate certificate file: its
// basename doesn't look like a private key, and either its extension is a
// known certificate extension or its basename contains a certificate name
// pattern.
func IsCandidate(path string) bool {
	if IsPrivateKeyLike(path) {
		return false
	}

	ext := strings.ToLower(filepath.Ext(path))
	if certExtensions[ext] {
		return true
	}

	basename := strings.ToLower(filepath.Base(path))
	for _, pattern := range certNamePatterns {
		if strings.Contains(basename, pattern) {
			return true
		}
	}
	return false
}

// WithinRoots reports whether path lies below at least one of the include
// roots and below none of the exclude roots, measured by normalized
// path-prefix comparison. Paths attempting to escape a root via ".." never
// match that root.
func WithinRoots(path string, includeRoots, excludeRoots []string) bool {
	cleanPath := filepath.Clean(path)

	for _, root := range excludeRoots {
		if isWithin(cleanPath, root) {
			return false
		}
	}

	for _, root := range includeRoots {
		if isWithin(cleanPath, root) {
			return true
		}
	}
	return false
}

// isWithin reports whether path is root itself or a descendant of root,
// rejecting any relative path that escapes root via "..".
func isWithin(path, root string) bool {
	cleanRoot := filepath.Clean(root)
	rel, err := filepath.Rel(cleanRoot, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// ResolveSymlink follows a symbolic link to its real path, returning path
// unchanged if it isn't a symlink or cannot be resolved (e.g. dangling
// link) — callers treat resolution failure as "use the original path" so a
// broken link doesn't abort a directory walk.
func ResolveSymlink(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}
