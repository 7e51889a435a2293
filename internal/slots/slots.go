// Package slots implements the sparse slot arithmetic used across engines:
// slots are strings for storage but numerically ordered, and removing a
// middle device must preserve the other slots' identifiers unchanged.
package slots

import (
	"sort"
	"strconv"

	"github.com/fvbommel/sortorder"
)

// LowestFree returns the lowest slot number (as a string) not present in
// used, searching from min upward. Used by add-device paths across every
// engine to fill gaps left by prior removals.
func LowestFree(used []string, min int) string {
	taken := make(map[int]bool, len(used))
	for _, s := range used {
		if n, err := strconv.Atoi(s); err == nil {
			taken[n] = true
		}
	}

	for n := min; ; n++ {
		if !taken[n] {
			return strconv.Itoa(n)
		}
	}
}

// SortNatural sorts slot strings in numeric order ("2" before "10"),
// matching how slot identifiers are displayed everywhere else.
func SortNatural(ss []string) {
	sort.Slice(ss, func(i, j int) bool {
		return sortorder.NaturalLess(ss[i], ss[j])
	})
}

// Remove returns a copy of used with slot removed, leaving the remaining
// slots' values untouched (no renumbering).
func Remove(used []string, slot string) []string {
	out := make([]string, 0, len(used))
	for _, s := range used {
		if s != slot {
			out = append(out, s)
		}
	}

	return out
}

// Contains reports whether slot is present in used.
func Contains(used []string, slot string) bool {
	for _, s := range used {
		if s == slot {
			return true
		}
	}

	return false
}
