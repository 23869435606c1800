// SPDX-License-Identifier:Apache-2.0

package conversion

import "fmt"

// IncompleteError is returned when a required annotation is missing.
type IncompleteError struct {
	Key string
}

func (e IncompleteError) Error() string {
	return fmt.Sprintf("missing annotation %s", e.Key)
}

// ResolutionError is returned when an annotation is present but malformed
// or out of range.
type ResolutionError struct {
	Key    string
	Value  string
	Reason string
}

func (e ResolutionError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Key, e.Value, e.Reason)
}
