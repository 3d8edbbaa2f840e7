// Package ids generates opaque identifiers for tasks, workers, and pleadings.
package ids

import "github.com/google/uuid"

// New returns a new random identifier string.
func New() string {
	return uuid.NewString()
}
