// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

var _ roster.Clock = Clock{}

// Clock implements roster.Clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
