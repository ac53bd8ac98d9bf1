package enforce

import "testing"

func TestCanTransitionViolationForwardOnly(t *testing.T) {
	all := []ViolationStatus{
		ViolationDetected, ViolationInvestigating, ViolationConfirmed,
		ViolationResolved, ViolationFalsePositive, ViolationEscalated,
	}
	allowed := map[[2]ViolationStatus]bool{
		{ViolationDetected, ViolationInvestigating}:      true,
		{ViolationDetected, ViolationFalsePositive}:      true,
		{ViolationDetected, ViolationEscalated}:          true,
		{ViolationInvestigating, ViolationConfirmed}:     true,
		{ViolationInvestigating, ViolationFalsePositive}: true,
		{ViolationInvestigating, ViolationEscalated}:     true,
		{ViolationConfirmed, ViolationResolved}:          true,
		{ViolationConfirmed, ViolationEscalated}:         true,
	}
	for _, from := range all {
		for _, to := range all {
			got := CanTransitionViolation(from, to)
			want := allowed[[2]ViolationStatus{from, to}]
			if got != want {
				t.Errorf("CanTransitionViolation(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestViolationTerminalStatesHaveNoExits(t *testing.T) {
	all := []ViolationStatus{
		ViolationDetected, ViolationInvestigating, ViolationConfirmed,
		ViolationResolved, ViolationFalsePositive, ViolationEscalated,
	}
	for _, from := range all {
		if !ViolationTerminal(from) {
			continue
		}
		for _, to := range all {
			if CanTransitionViolation(from, to) {
				t.Errorf("terminal status %s has exit to %s", from, to)
			}
		}
	}
}

func TestCanTriageAlert(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		want     bool
	}{
		{AlertNew, AlertReviewed, true},
		{AlertNew, AlertResolved, false},
		{AlertNew, AlertFalsePositive, false},
		{AlertReviewed, AlertResolved, true},
		{AlertReviewed, AlertFalsePositive, true},
		{AlertReviewed, AlertNew, false},
		{AlertResolved, AlertReviewed, false},
		{AlertResolved, AlertFalsePositive, false},
		{AlertFalsePositive, AlertResolved, false},
	}
	for _, tc := range cases {
		if got := CanTriageAlert(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTriageAlert(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionLicense(t *testing.T) {
	cases := []struct {
		from, to LicenseStatus
		want     bool
	}{
		{LicenseActive, LicenseSuspended, true},
		{LicenseActive, LicenseRevoked, true},
		{LicenseActive, LicenseExpired, false}, // expiry is derived, never transitioned to
		{LicenseSuspended, LicenseActive, true},
		{LicenseSuspended, LicenseRevoked, true},
		{LicenseRevoked, LicenseActive, false},
		{LicenseRevoked, LicenseSuspended, false},
		{LicenseExpired, LicenseActive, false},
	}
	for _, tc := range cases {
		if got := CanTransitionLicense(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionLicense(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestResolutionStatus(t *testing.T) {
	for _, s := range []LinkStatus{LinkConfirmed, LinkAllowed, LinkFalsePositive} {
		if !ResolutionStatus(s) {
			t.Errorf("ResolutionStatus(%s) = false, want true", s)
		}
	}
	if ResolutionStatus(LinkDetected) {
		t.Error("detected is not an admin judgment")
	}
	if ResolutionStatus(LinkStatus("banned")) {
		t.Error("unknown status accepted as judgment")
	}
}

func TestActionAllowedFor(t *testing.T) {
	if ActionAllowedFor(ViolationDetected) || ActionAllowedFor(ViolationInvestigating) {
		t.Error("pre-confirmation statuses must not carry an enforcement action")
	}
	for _, s := range []ViolationStatus{ViolationConfirmed, ViolationResolved, ViolationEscalated} {
		if !ActionAllowedFor(s) {
			t.Errorf("ActionAllowedFor(%s) = false, want true", s)
		}
	}
}
