package types

import "github.com/google/uuid"

// NewID generates a new 128-bit identifier for files, chunks, nodes, and leases.
func NewID() string {
	return uuid.New().String()
}
