// Package ids generates the opaque identifiers used throughout the system
// (event ids). Centralized so tests can substitute a deterministic
// generator.
package ids

import "github.com/google/uuid"

// Generator produces opaque unique ids.
type Generator interface {
	NewID() string
}

type uuidGenerator struct{}

// NewUUIDGenerator returns the production id generator.
func NewUUIDGenerator() Generator { return uuidGenerator{} }

func (uuidGenerator) NewID() string { return uuid.NewString() }
