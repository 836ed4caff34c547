package editor

import (
	"path"
	"strings"
)

// SafeRoot is the only tree the editor may touch inside a workspace.
const SafeRoot = "/app"

// NormalizePath collapses duplicate slashes, resolves dot segments, strips
// the trailing slash, and verifies the result stays under SafeRoot.
// POSIX-only; guest paths never use OS-local separators.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", ErrPathEscapes
	}
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned != SafeRoot && !strings.HasPrefix(cleaned, SafeRoot+"/") {
		return "", ErrPathEscapes
	}
	return cleaned, nil
}

// NormalizeRelative resolves p against dst and verifies the result is
// still under dst. Used for move destinations given as relative paths.
func NormalizeRelative(dst, p string) (string, error) {
	base, err := NormalizePath(dst)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(p, "/") {
		return NormalizePath(p)
	}
	joined := path.Clean(path.Join(base, p))
	if joined != base && !strings.HasPrefix(joined, base+"/") {
		return "", ErrPathEscapes
	}
	return joined, nil
}
