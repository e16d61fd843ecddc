package xid

import (
	"github.com/google/uuid"
)

// New returns prefix-<uuid v4>.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Valid reports whether id has the given prefix followed by a well-formed uuid.
func Valid(prefix string, id string) bool {
	if len(id) <= len(prefix)+1 || id[:len(prefix)+1] != prefix+"-" {
		return false
	}
	_, err := uuid.Parse(id[len(prefix)+1:])
	return err == nil
}
