// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

var _ roster.IDGenerator = Generator{}

// Generator creates time-ordered UUIDv7 run IDs, so lexical order of run IDs
// follows start order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
