// Package bsearch holds the bracket binary search shared by the bucket
// index and the per-bucket interval arrays.
package bsearch

import (
	"cmp"
	"slices"
)

// Brackets searches the ascending slice s for v. It returns the index of v
// when present (found is true), otherwise the index of the first element
// greater than v, which is where v would be inserted.
func Brackets[T cmp.Ordered](s []T, v T) (idx int, found bool) {
	return slices.BinarySearch(s, v)
}

// LowerBoundOrPrev returns the index of the greatest element of the
// ascending slice s that is <= v. If no element qualifies (s is empty or
// s[0] > v) it returns -1.
func LowerBoundOrPrev[T cmp.Ordered](s []T, v T) int {
	idx, found := slices.BinarySearch(s, v)
	if found {
		return idx
	}
	return idx - 1
}
