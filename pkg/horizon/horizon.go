// Package horizon defines the consolidation time horizons and the stage
// gating and deletion policy attached to each of them.
package horizon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownHorizon is returned when a horizon name is not recognised.
var ErrUnknownHorizon = errors.New("unknown time horizon")

// Horizon is one of the five consolidation cadences.
type Horizon string

const (
	Daily     Horizon = "daily"
	Weekly    Horizon = "weekly"
	Monthly   Horizon = "monthly"
	Quarterly Horizon = "quarterly"
	Yearly    Horizon = "yearly"
)

// All lists the horizons from shortest to longest.
func All() []Horizon {
	return []Horizon{Daily, Weekly, Monthly, Quarterly, Yearly}
}

// Parse converts a name into a Horizon.
func Parse(s string) (Horizon, error) {
	h := Horizon(strings.ToLower(strings.TrimSpace(s)))
	if !h.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownHorizon, s)
	}
	return h, nil
}

// Valid reports whether h is one of the known horizons.
func (h Horizon) Valid() bool {
	switch h {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
		return true
	}
	return false
}

func (h Horizon) String() string { return string(h) }

// Clusters reports whether the cluster stage runs for h.
func (h Horizon) Clusters() bool {
	return h == Weekly || h == Monthly || h == Quarterly
}

// Associates reports whether association discovery runs for h.
func (h Horizon) Associates() bool {
	return h == Weekly || h == Monthly
}

// Forgets reports whether the forgetting stage runs for h.
func (h Horizon) Forgets() bool {
	return h == Monthly || h == Quarterly || h == Yearly
}

// BroadDeletion reports whether h may delete memories for any deletable
// reason. Shorter horizons delete only expired temporaries and duplicates.
func (h Horizon) BroadDeletion() bool {
	return h == Quarterly || h == Yearly
}

// Window is the nominal span a horizon covers.
func (h Horizon) Window() time.Duration {
	switch h {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	case Quarterly:
		return 90 * 24 * time.Hour
	case Yearly:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Cutoff returns the creation-time bound for memories considered by h.
// Only quarterly and yearly runs restrict to memories older than their window;
// the zero time means no restriction.
func (h Horizon) Cutoff(now time.Time) time.Time {
	if h == Quarterly || h == Yearly {
		return now.Add(-h.Window())
	}
	return time.Time{}
}
