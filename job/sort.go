package job

import (
	"sort"
	"strings"
)

// SortDepthFirst orders relative paths depth-first with parents before
// children, lexicographic within a directory — the ordering spec.md §3/§4.2
// requires for creates. Callers that need children-before-parents (removes)
// should reverse the result.
func SortDepthFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return LessDepthFirst(paths[i], paths[j])
	})
}

// LessDepthFirst reports whether a sorts before b under the depth-first,
// parents-before-children, lexicographic-within-a-directory order.
func LessDepthFirst(a, b string) bool {
	if a == b {
		return false
	}

	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")

	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}

	// One path is a strict prefix of the other: the shorter one is the
	// parent directory and sorts first.
	return len(as) < len(bs)
}
