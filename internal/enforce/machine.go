package enforce

// Transition legality for every case family lives here so the engine's
// switches stay exhaustive over the closed status sets. Illegal target values
// are rejected here, never coerced to a "closest legal" transition.

// ValidBanType reports membership in the closed ban type set.
func ValidBanType(t BanType) bool {
	switch t {
	case BanTemporary, BanPermanent, BanShadow:
		return true
	}
	return false
}

// ValidViolationType reports membership in the closed violation type set.
func ValidViolationType(t ViolationType) bool {
	switch t {
	case ViolationCommercialUse, ViolationSaaSOffering, ViolationUnlicensedDomain, ViolationDomainMismatch:
		return true
	}
	return false
}

// ValidSeverity reports membership in the closed severity set.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ValidAlertSeverity reports membership in the closed alert severity set.
func ValidAlertSeverity(s AlertSeverity) bool {
	switch s {
	case AlertInfo, AlertWarning, AlertCritical:
		return true
	}
	return false
}

// ValidEnforcementAction reports membership in the closed action set.
func ValidEnforcementAction(a EnforcementAction) bool {
	switch a {
	case ActionNone, ActionWarningSent, ActionLicenseSuspended, ActionLegalNotice,
		ActionDMCAFiled, ActionResolvedLicensed:
		return true
	}
	return false
}

// ViolationTerminal reports whether a violation status has no outgoing edges.
func ViolationTerminal(s ViolationStatus) bool {
	switch s {
	case ViolationResolved, ViolationFalsePositive, ViolationEscalated:
		return true
	}
	return false
}

// CanTransitionViolation encodes the strict forward graph:
//
//	detected -> investigating -> confirmed -> resolved
//
// false_positive exits from detected or investigating; escalated exits from
// any non-terminal state. No backward edges exist.
func CanTransitionViolation(from, to ViolationStatus) bool {
	if to == ViolationEscalated {
		return !ViolationTerminal(from)
	}
	switch from {
	case ViolationDetected:
		return to == ViolationInvestigating || to == ViolationFalsePositive
	case ViolationInvestigating:
		return to == ViolationConfirmed || to == ViolationFalsePositive
	case ViolationConfirmed:
		return to == ViolationResolved
	case ViolationResolved, ViolationFalsePositive, ViolationEscalated:
		return false
	}
	return false
}

// ActionAllowedFor restricts enforcement actions to the statuses that may
// carry one. A violation that is merely detected or under investigation has
// no recorded consequence yet.
func ActionAllowedFor(to ViolationStatus) bool {
	switch to {
	case ViolationConfirmed, ViolationResolved, ViolationEscalated:
		return true
	}
	return false
}

// ResolutionStatus reports whether s is a valid admin judgment for a link.
// Re-resolution from any current status is permitted: unlike the ban and
// compliance graphs, account-linkage judgments may need correction as more
// accounts are examined. This asymmetry is deliberate.
func ResolutionStatus(s LinkStatus) bool {
	switch s {
	case LinkConfirmed, LinkAllowed, LinkFalsePositive:
		return true
	}
	return false
}

// CanTriageAlert encodes the forward chain new -> reviewed -> {resolved|false_positive}.
// The critical-severity fast path (new directly to a terminal status) is not
// expressed here; it requires the explicit justification call on the engine.
func CanTriageAlert(from, to AlertStatus) bool {
	switch from {
	case AlertNew:
		return to == AlertReviewed
	case AlertReviewed:
		return to == AlertResolved || to == AlertFalsePositive
	case AlertResolved, AlertFalsePositive:
		return false
	}
	return false
}

// AlertTerminal reports whether an alert status ends the chain.
func AlertTerminal(s AlertStatus) bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransitionLicense gates admin license transitions. Expiry is derived,
// never transitioned to; a revoked license is terminal.
func CanTransitionLicense(from, to LicenseStatus) bool {
	switch from {
	case LicenseActive:
		return to == LicenseSuspended || to == LicenseRevoked
	case LicenseSuspended:
		return to == LicenseActive || to == LicenseRevoked
	case LicenseExpired, LicenseRevoked:
		return false
	}
	return false
}
