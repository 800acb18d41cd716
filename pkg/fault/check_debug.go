//go:build debugchecks

package fault

// Check validates an internal invariant. Debug builds abort immediately so
// accounting bugs surface at the point of corruption.
func Check(ok bool, component, invariant string) error {
	if !ok {
		panic(component + ": invariant violated: " + invariant)
	}
	return nil
}
