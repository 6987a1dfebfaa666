// Package clock supplies timestamps together with a trust flag.
//
// A fix record only carries created_at when the time came from a validated
// source. Callers must accept validated=false and simply omit the timestamp.
package clock

import (
	"sync"
	"time"
)

// Source returns the current time and whether it can be trusted.
type Source interface {
	Now() (t time.Time, validated bool)
}

// System is the local wall clock, treated as validated.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() (time.Time, bool) {
	return time.Now().UTC(), true
}

// Untrusted wraps a clock whose readings must not be persisted.
type Untrusted struct{}

// Now returns the local time flagged as unvalidated.
func (Untrusted) Now() (time.Time, bool) {
	return time.Now().UTC(), false
}

// Manual is a settable clock for tests.
type Manual struct {
	mu        sync.Mutex
	now       time.Time
	validated bool
}

// NewManual returns a validated manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t, validated: true}
}

// Now returns the current manual reading.
func (m *Manual) Now() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, m.validated
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// SetValidated toggles whether readings are trusted.
func (m *Manual) SetValidated(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validated = v
}

// Stamp returns a pointer to the current time when it is validated, nil otherwise.
func Stamp(src Source) *time.Time {
	if src == nil {
		return nil
	}
	t, ok := src.Now()
	if !ok {
		return nil
	}
	return &t
}

// Current returns the reading of src regardless of validation, defaulting to
// the system clock when src is nil.
func Current(src Source) time.Time {
	if src == nil {
		return time.Now().UTC()
	}
	t, _ := src.Now()
	return t
}
