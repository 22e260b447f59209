// Package idgen generates the UUID v4 identifiers used for ScheduledMessage,
// Command, and Event records.
package idgen

import "github.com/google/uuid"

// New returns a new random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// IsValidV4 reports whether s parses as a UUID and has the v4 (random)
// version bit set.
func IsValidV4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}
