// Package policy holds the pure decision functions of the enforcement core:
// penalty expiry arithmetic and multi-account confidence scoring. Nothing in
// this package touches storage or performs I/O.
package policy

import (
	"errors"
	"time"
)

// DurationUnit is the unit of a penalty duration specification.
type DurationUnit string

const (
	UnitHours     DurationUnit = "hours"
	UnitDays      DurationUnit = "days"
	UnitWeeks     DurationUnit = "weeks"
	UnitMonths    DurationUnit = "months"
	UnitYears     DurationUnit = "years"
	UnitPermanent DurationUnit = "permanent"
)

// DurationSpec describes how long a penalty lasts.
type DurationSpec struct {
	Unit  DurationUnit `json:"unit"`
	Value int          `json:"value"`
}

// ErrInvalidDuration rejects non-positive values and unknown units.
var ErrInvalidDuration = errors.New("policy: invalid duration")

// ValidUnit reports whether u is a member of the closed unit set.
func ValidUnit(u DurationUnit) bool {
	switch u {
	case UnitHours, UnitDays, UnitWeeks, UnitMonths, UnitYears, UnitPermanent:
		return true
	}
	return false
}

// ResolveExpiry computes the absolute expiry instant for a penalty issued at
// issuedAt. Permanent penalties have no expiry and return nil. Months and
// years use calendar-aware addition so a one-month ban issued Jan 31 expires
// at the end of February, not 30 fixed days later.
func ResolveExpiry(issuedAt time.Time, spec DurationSpec) (*time.Time, error) {
	if !ValidUnit(spec.Unit) {
		return nil, ErrInvalidDuration
	}
	if spec.Unit == UnitPermanent {
		return nil, nil
	}
	if spec.Value <= 0 {
		return nil, ErrInvalidDuration
	}

	var exp time.Time
	switch spec.Unit {
	case UnitHours:
		exp = issuedAt.Add(time.Duration(spec.Value) * time.Hour)
	case UnitDays:
		exp = issuedAt.Add(time.Duration(spec.Value) * 24 * time.Hour)
	case UnitWeeks:
		exp = issuedAt.Add(time.Duration(spec.Value) * 7 * 24 * time.Hour)
	case UnitMonths:
		exp = issuedAt.AddDate(0, spec.Value, 0)
	case UnitYears:
		exp = issuedAt.AddDate(spec.Value, 0, 0)
	}
	return &exp, nil
}

// IsExpired reports whether now is at or past the expiry instant. A nil
// expiry (permanent) never expires. Expiry is evaluated at every read; no
// stored case is ever force-expired by a timer, so two reads at different
// times may legitimately observe different derived statuses.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}
