// Package ids generates client-side message identifiers. An id is assigned
// once at authoring time and stays stable through the queued and committed
// phases of a message's lifecycle.
package ids

import "github.com/google/uuid"

// New returns a new globally unique message id.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a message id.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
