// Package cycle maps ever-increasing logical frame indices onto a finite,
// ping-ponged asset cycle.
package cycle

import "fmt"

// Index resolves a logical frame index to a physical index in [0, n).
func Index(logical uint64, n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cycle: invalid cycle length %d", n))
	}
	return int(logical % uint64(n))
}

// PingPong returns forward followed by forward reversed. The result has even
// length and element i mirrors element len-1-i.
func PingPong[T any](forward []T) []T {
	out := make([]T, 0, 2*len(forward))
	out = append(out, forward...)
	for i := len(forward) - 1; i >= 0; i-- {
		out = append(out, forward[i])
	}
	return out
}

// Mirror returns the index paired with i in a ping-pong cycle of length n.
func Mirror(i, n int) int {
	return n - 1 - i
}
