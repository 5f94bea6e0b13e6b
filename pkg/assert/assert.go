// Package assert provides fail-fast checks for internal invariants.
// A failed assertion is a programming bug, not a runtime condition the
// caller can recover from, so it panics.
package assert

import "fmt"

// Assert panics with the formatted message if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}
