package generate

import (
	"path/filepath"
	"strings"
)

// minShared is the number of leading path segments, the empty root
// segment included, two paths must share to be linked relatively.
const minShared = 3

// RelPath returns the path of target relative to the directory base. Paths
// sharing fewer than minShared leading segments are linked by the slash
// path of target with its drive colon removed.
func RelPath(base, target string) string {
	basePaths := segments(base)
	targetPaths := segments(target)

	n := 0
	for ; n < min(len(basePaths), len(targetPaths)); n++ {
		if basePaths[n] != targetPaths[n] {
			break
		}
	}
	if n < minShared {
		return strings.Replace(slashPath(target), ":", "", 1)
	}

	var sb strings.Builder
	for range len(basePaths) - n {
		sb.WriteString("../")
	}
	sb.WriteString(strings.Join(targetPaths[n:], "/"))
	return sb.String()
}

// slashPath returns p as an absolute slash separated path starting with /
func slashPath(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// segments splits a path on slashes, trailing empty segments are dropped
func segments(p string) []string {
	s := strings.Split(slashPath(p), "/")
	for len(s) > 0 && s[len(s)-1] == "" {
		s = s[:len(s)-1]
	}
	return s
}
