package enforce

import (
	"context"
	"time"

	"linkbio.org/internal/policy"
)

// CaseStore is the single mutable shared resource of the enforcement core.
// All status mutations are compare-and-set: a transition keyed by
// (caseID, expectedStatus) fails with ErrConcurrentModification when the
// stored status no longer matches, so two admins can never both win a race
// on the same case.
type CaseStore interface {
	// Bans.
	CreateBan(ctx context.Context, ban *Ban) error
	GetBan(ctx context.Context, id string) (Ban, error)
	LatestBanForSubject(ctx context.Context, subjectID string) (Ban, error)
	ActiveBanForSubject(ctx context.Context, subjectID string, now time.Time) (Ban, error)
	TransitionBan(ctx context.Context, id string, from, to BanStatus) error
	ListBans(ctx context.Context, f BanFilter) ([]Ban, error)

	// Appeals. FileAppeal atomically creates the pending appeal and moves the
	// ban to appealed; DecideAppeal atomically closes the appeal and settles
	// the parent ban.
	FileAppeal(ctx context.Context, appeal *Appeal, fromBanStatus BanStatus) error
	GetAppeal(ctx context.Context, id string) (Appeal, error)
	DecideAppeal(ctx context.Context, id string, decision AppealDecision, response, reviewedBy string, reviewedAt time.Time) error

	// Multi-account links. UpsertLinkEvidence unions the new evidence with
	// everything previously seen for the account pair and rescores; evidence
	// is never discarded.
	UpsertLinkEvidence(ctx context.Context, primaryID, linkedID string, evidence []policy.SignalKind, now time.Time) (MultiAccountLink, error)
	GetLink(ctx context.Context, id string) (MultiAccountLink, error)
	ResolveLink(ctx context.Context, id string, from, to LinkStatus, notes string, now time.Time) error
	ListLinks(ctx context.Context, f LinkFilter) ([]MultiAccountLink, error)

	// Compliance violations.
	CreateViolation(ctx context.Context, v *ComplianceViolation) error
	GetViolation(ctx context.Context, id string) (ComplianceViolation, error)
	TransitionViolation(ctx context.Context, id string, from, to ViolationStatus, upd ViolationUpdate) error
	ListViolations(ctx context.Context, f ViolationFilter) ([]ComplianceViolation, error)

	// Commercial licenses.
	CreateLicense(ctx context.Context, l *CommercialLicense) error
	GetLicense(ctx context.Context, id string) (CommercialLicense, error)
	TransitionLicense(ctx context.Context, id string, from, to LicenseStatus) error

	// Abuse alerts.
	CreateAlert(ctx context.Context, a *AbuseAlert) error
	GetAlert(ctx context.Context, id string) (AbuseAlert, error)
	TransitionAlert(ctx context.Context, id string, from, to AlertStatus, justification string, now time.Time) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]AbuseAlert, error)

	// Append-only audit trail.
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error)

	// Stats aggregates counts per family and derived status at the given instant.
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// ViolationUpdate carries the fields settled alongside a violation transition.
// NewLicense, when set, is created in the same atomic step as the transition;
// confirmed -> resolved with resolved_licensed is the only path that uses it.
type ViolationUpdate struct {
	Action           EnforcementAction
	IncrementContact bool
	LinkedLicenseID  string
	NewLicense       *CommercialLicense
	Now              time.Time
}

// BanFilter narrows ban listings.
type BanFilter struct {
	SubjectID string
	Status    BanStatus // matched against derived status
	Limit     int
	Offset    int
}

// LinkFilter narrows link listings.
type LinkFilter struct {
	UserID        string // matches either side of the pair
	Status        LinkStatus
	MinConfidence int
	Limit         int
	Offset        int
}

// ViolationFilter narrows violation listings.
type ViolationFilter struct {
	Status   ViolationStatus
	Severity Severity
	Domain   string
	Limit    int
	Offset   int
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	UserID   string
	Status   AlertStatus
	Severity AlertSeverity
	Limit    int
	Offset   int
}

// AuditFilter narrows audit trail listings.
type AuditFilter struct {
	CaseID string
	Family CaseFamily
	Limit  int
	Offset int
}

// Stats holds aggregate counts per case family and status.
type Stats struct {
	Bans       map[BanStatus]int       `json:"bans"`
	Links      map[LinkStatus]int      `json:"links"`
	Violations map[ViolationStatus]int `json:"violations"`
	Alerts     map[AlertStatus]int     `json:"alerts"`
	Licenses   map[LicenseStatus]int   `json:"licenses"`
	AsOf       time.Time               `json:"as_of"`
}

// clampLimit mirrors the listing defaults used across the store implementations.
func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
