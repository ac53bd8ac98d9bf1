// Package enforce implements the trust & safety enforcement core: the case
// families (bans, appeals, account links, compliance violations, abuse
// alerts, commercial licenses), their status state machines, and the engine
// that carries cases through reviewable transitions.
package enforce

import (
	"errors"
	"fmt"
	"time"

	"linkbio.org/internal/policy"
)

// CaseFamily names one of the case families owned by the store.
type CaseFamily string

const (
	FamilyBan       CaseFamily = "ban"
	FamilyAppeal    CaseFamily = "appeal"
	FamilyLink      CaseFamily = "link"
	FamilyViolation CaseFamily = "violation"
	FamilyLicense   CaseFamily = "license"
	FamilyAlert     CaseFamily = "alert"
)

// BanType classifies an account restriction.
type BanType string

const (
	BanTemporary BanType = "temporary"
	BanPermanent BanType = "permanent"
	BanShadow    BanType = "shadow"
)

// BanStatus is the ban lifecycle state. Expired is derived from expires_at at
// read time and never stored.
type BanStatus string

const (
	BanActive   BanStatus = "active"
	BanExpired  BanStatus = "expired"
	BanAppealed BanStatus = "appealed"
	BanReversed BanStatus = "reversed"
)

// Ban restricts a subject account. At most one ban per subject may be active
// at a time.
type Ban struct {
	ID            string              `json:"id"`
	SubjectUserID string              `json:"subject_user_id"`
	Type          BanType             `json:"ban_type"`
	Reason        string              `json:"reason"`
	InternalNotes string              `json:"internal_notes,omitempty"`
	Duration      policy.DurationSpec `json:"duration"`
	IssuedAt      time.Time           `json:"issued_at"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Status        BanStatus           `json:"status"`
	IssuedBy      string              `json:"issued_by"`
}

// DerivedStatus resolves the observable status at the given instant. A stored
// active ban whose expiry has passed reads as expired without any write.
func (b Ban) DerivedStatus(now time.Time) BanStatus {
	if b.Status == BanActive && policy.IsExpired(b.ExpiresAt, now) {
		return BanExpired
	}
	return b.Status
}

// AppealDecision is the review outcome of an appeal.
type AppealDecision string

const (
	AppealPending  AppealDecision = "pending"
	AppealApproved AppealDecision = "approved"
	AppealRejected AppealDecision = "rejected"
)

// Appeal is the subject's one-shot challenge of a ban. Policy allows a single
// appeal per ban, ever.
type Appeal struct {
	ID               string         `json:"id"`
	BanID            string         `json:"ban_id"`
	Message          string         `json:"message"`
	Decision         AppealDecision `json:"decision"`
	ReviewerResponse string         `json:"reviewer_response,omitempty"`
	ReviewedBy       string         `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time     `json:"reviewed_at,omitempty"`
	FiledAt          time.Time      `json:"filed_at"`
}

// LinkStatus is the admin-driven judgment on a detected account link.
type LinkStatus string

const (
	LinkDetected      LinkStatus = "detected"
	LinkConfirmed     LinkStatus = "confirmed"
	LinkAllowed       LinkStatus = "allowed"
	LinkFalsePositive LinkStatus = "false_positive"
)

// MultiAccountLink records correlated evidence that two accounts belong to
// the same operator. Evidence accumulates and is never discarded, so the
// stored confidence is monotonically non-decreasing.
type MultiAccountLink struct {
	ID            string              `json:"id"`
	PrimaryUserID string              `json:"primary_user_id"`
	LinkedUserID  string              `json:"linked_user_id"`
	LinkType      policy.LinkType     `json:"link_type"`
	Confidence    int                 `json:"confidence"`
	Status        LinkStatus          `json:"status"`
	Evidence      []policy.SignalKind `json:"evidence"`
	Notes         string              `json:"notes,omitempty"`
	DetectedAt    time.Time           `json:"detected_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ViolationType classifies a commercial-use breach.
type ViolationType string

const (
	ViolationCommercialUse    ViolationType = "commercial_use"
	ViolationSaaSOffering     ViolationType = "saas_offering"
	ViolationUnlicensedDomain ViolationType = "unlicensed_domain"
	ViolationDomainMismatch   ViolationType = "domain_mismatch"
)

// Severity grades a compliance violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ViolationStatus is a node in the strict forward graph of §compliance review.
type ViolationStatus string

const (
	ViolationDetected      ViolationStatus = "detected"
	ViolationInvestigating ViolationStatus = "investigating"
	ViolationConfirmed     ViolationStatus = "confirmed"
	ViolationResolved      ViolationStatus = "resolved"
	ViolationFalsePositive ViolationStatus = "false_positive"
	ViolationEscalated     ViolationStatus = "escalated"
)

// EnforcementAction is the recorded consequence attached to a violation.
type EnforcementAction string

const (
	ActionNone             EnforcementAction = "none"
	ActionWarningSent      EnforcementAction = "warning_sent"
	ActionLicenseSuspended EnforcementAction = "license_suspended"
	ActionLegalNotice      EnforcementAction = "legal_notice"
	ActionDMCAFiled        EnforcementAction = "dmca_filed"
	ActionResolvedLicensed EnforcementAction = "resolved_licensed"
)

// ComplianceViolation tracks a detected or reported license breach.
type ComplianceViolation struct {
	ID                  string            `json:"id"`
	DetectedDomain      string            `json:"detected_domain"`
	Type                ViolationType     `json:"violation_type"`
	Severity            Severity          `json:"severity"`
	Status              ViolationStatus   `json:"status"`
	Action              EnforcementAction `json:"enforcement_action"`
	EvidenceDescription string            `json:"evidence_description,omitempty"`
	ContactEmail        string            `json:"contact_email,omitempty"`
	ContactAttempts     int               `json:"contact_attempts"`
	LinkedLicenseID     string            `json:"linked_license_id,omitempty"`
	ReportedAt          time.Time         `json:"reported_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// LicenseStatus is the commercial license state. Expired is derived; suspended
// and revoked are admin-set and override the expiry check.
type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseExpired   LicenseStatus = "expired"
	LicenseRevoked   LicenseStatus = "revoked"
)

// CommercialLicense grants commercial use of the product on a set of domains.
type CommercialLicense struct {
	ID             string        `json:"id"`
	LicenseKey     string        `json:"license_key"`
	LicenseeName   string        `json:"licensee_name"`
	LicenseeEmail  string        `json:"licensee_email"`
	AllowedDomains []string      `json:"allowed_domains"`
	MaxUsers       *int          `json:"max_users,omitempty"`
	Status         LicenseStatus `json:"status"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	IssuedAt       time.Time     `json:"issued_at"`
}

// DerivedStatus resolves the observable license status. Admin overrides win
// over the derived expiry check; a revoked license never returns to active.
func (l CommercialLicense) DerivedStatus(now time.Time) LicenseStatus {
	if l.Status == LicenseActive && policy.IsExpired(l.ExpiresAt, now) {
		return LicenseExpired
	}
	return l.Status
}

// AlertSeverity grades a fair-use signal.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertStatus follows the forward chain new -> reviewed -> {resolved|false_positive}.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertReviewed      AlertStatus = "reviewed"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// AbuseAlert is a fair-use/rate signal produced by external detectors.
type AbuseAlert struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	AlertType     string            `json:"alert_type"`
	Severity      AlertSeverity     `json:"severity"`
	Status        AlertStatus       `json:"status"`
	EmailSent     bool              `json:"email_sent"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Justification string            `json:"justification,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// AuditRecord is one immutable entry in the append-only enforcement trail.
type AuditRecord struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actor_id"`
	Family     CaseFamily `json:"case_family"`
	CaseID     string     `json:"case_id"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// BanRecommendation is returned when a link is confirmed. The engine only
// suggests; issuing the ban is a separate, authorized call.
type BanRecommendation struct {
	PrimaryUserID string `json:"primary_user_id"`
	LinkedUserID  string `json:"linked_user_id"`
	LinkID        string `json:"link_id"`
	Confidence    int    `json:"confidence"`
}

var (
	ErrNotFound               = errors.New("enforce: not found")
	ErrInvalidInput           = errors.New("enforce: invalid input")
	ErrInvalidReason          = errors.New("enforce: reason is required")
	ErrActiveBanExists        = errors.New("enforce: subject already has an active ban")
	ErrNoActiveBan            = errors.New("enforce: no ban exists for subject")
	ErrAlreadyReversed        = errors.New("enforce: ban already reversed")
	ErrBanNotAppealable       = errors.New("enforce: ban is not appealable")
	ErrDuplicateAppeal        = errors.New("enforce: an appeal already exists for this ban")
	ErrAlreadyDecided         = errors.New("enforce: appeal already decided")
	ErrJustificationRequired  = errors.New("enforce: justification is required")
	ErrConcurrentModification = errors.New("enforce: case changed concurrently, re-read and retry")
)

// ErrIllegalTransition matches any IllegalTransitionError via errors.Is.
var ErrIllegalTransition = errors.New("enforce: illegal transition")

// IllegalTransitionError reports a rejected status transition with both ends.
type IllegalTransitionError struct {
	Family CaseFamily
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("enforce: illegal %s transition %s -> %s", e.Family, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

func illegalTransition(family CaseFamily, from, to string) error {
	return &IllegalTransitionError{Family: family, From: from, To: to}
}
