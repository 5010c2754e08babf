package xid

import "github.com/google/uuid"

// New returns an opaque document key. Keys carry no ordering information.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
