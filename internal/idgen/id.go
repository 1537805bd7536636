package idgen

import "github.com/google/uuid"

// NewID returns a fresh UUID string for the parties.id primary key.
func NewID() string {
	return uuid.NewString()
}
