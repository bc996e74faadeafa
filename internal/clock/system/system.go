// Package system provides the wall-clock implementation of ingest.Clock.
package system

import "time"

// Clock reads the system time in UTC.
type Clock struct{}

// New returns a system clock.
func New() Clock { return Clock{} }

// Now returns the current wall-clock time in UTC.
func (Clock) Now() time.Time { return time.Now().UTC() }
