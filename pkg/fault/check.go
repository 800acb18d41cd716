//go:build !debugchecks

package fault

// Check validates an internal invariant. In release builds a violation is
// reported as an AudioProcessing fault so the recovery manager can restart
// the offending component instead of crashing the appliance.
func Check(ok bool, component, invariant string) error {
	if ok {
		return nil
	}
	return New(AudioProcessing, component, "invariant violated: "+invariant)
}
