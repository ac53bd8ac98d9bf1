package enforce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"linkbio.org/internal/dispatch"
	"linkbio.org/internal/ids"
	"linkbio.org/internal/policy"
)

// Publisher receives side-effect descriptors after a transition has committed.
type Publisher interface {
	Publish(e dispatch.Effect)
}

// Engine validates transition legality against each case family's state
// machine, applies penalty and confidence computations, and commits
// transitions through the CaseStore. It performs no logging and no
// authorization; both belong to the gateway boundary.
type Engine struct {
	store   CaseStore
	effects Publisher
	now     func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithPublisher wires the side-effect dispatcher.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.effects = p }
}

// NewEngine constructs the enforcement engine over a case store.
func NewEngine(store CaseStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(kind, caseID, subjectID string, fields map[string]string) {
	if e.effects == nil {
		return
	}
	e.effects.Publish(dispatch.Effect{
		Kind:       kind,
		CaseID:     caseID,
		SubjectID:  subjectID,
		Fields:     fields,
		OccurredAt: e.now(),
	})
}

// --- Bans ---

// IssueBanInput is the admin "ban" action payload.
type IssueBanInput struct {
	SubjectUserID string
	Type          BanType
	Reason        string
	InternalNotes string
	Duration      policy.DurationSpec
	IssuedBy      string
}

// IssueBan creates a new active ban. Temporary bans get an absolute expiry
// computed at issuance; permanent and shadow bans never expire.
func (e *Engine) IssueBan(ctx context.Context, in IssueBanInput) (Ban, error) {
	if strings.TrimSpace(in.SubjectUserID) == "" {
		return Ban{}, fmt.Errorf("%w: subject user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Ban{}, ErrInvalidReason
	}
	if !ValidBanType(in.Type) {
		return Ban{}, fmt.Errorf("%w: unknown ban type %q", ErrInvalidInput, in.Type)
	}

	now := e.now()
	var expiresAt *time.Time
	if in.Type == BanTemporary {
		if in.Duration.Unit == policy.UnitPermanent {
			return Ban{}, policy.ErrInvalidDuration
		}
		exp, err := policy.ResolveExpiry(now, in.Duration)
		if err != nil {
			return Ban{}, err
		}
		expiresAt = exp
	} else {
		// Permanent and shadow bans carry no expiry regardless of any
		// duration supplied by the caller.
		in.Duration = policy.DurationSpec{Unit: policy.UnitPermanent}
	}

	if _, err := e.store.ActiveBanForSubject(ctx, in.SubjectUserID, now); err == nil {
		return Ban{}, ErrActiveBanExists
	} else if !errors.Is(err, ErrNotFound) {
		return Ban{}, err
	}

	ban := Ban{
		ID:            ids.New(),
		SubjectUserID: in.SubjectUserID,
		Type:          in.Type,
		Reason:        strings.TrimSpace(in.Reason),
		InternalNotes: in.InternalNotes,
		Duration:      in.Duration,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		Status:        BanActive,
		IssuedBy:      in.IssuedBy,
	}
	if err := e.store.CreateBan(ctx, &ban); err != nil {
		return Ban{}, err
	}

	// Shadow bans get a distinct kind: the access gate applies shadow
	// treatment instead of a lockout and the subject is never notified.
	kind := dispatch.KindBanIssued
	if ban.Type == BanShadow {
		kind = dispatch.KindShadowBan
	}
	e.publish(kind, ban.ID, ban.SubjectUserID, map[string]string{
		"ban_type": string(ban.Type),
		"reason":   ban.Reason,
	})
	return ban, nil
}

// Unban reverses the subject's most recent ban directly, bypassing appeal.
// The second return is the stored status the ban was reversed from, which the
// caller records in the audit trail. Calling Unban twice is a recognizable
// no-op (ErrAlreadyReversed), not a crash.
func (e *Engine) Unban(ctx context.Context, subjectUserID string) (Ban, BanStatus, error) {
	ban, err := e.store.LatestBanForSubject(ctx, subjectUserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Ban{}, "", ErrNoActiveBan
		}
		return Ban{}, "", err
	}
	if ban.Status == BanReversed {
		return ban, "", ErrAlreadyReversed
	}
	from := ban.Status
	// An expired ban is stored as active; explicit reversal is still
	// recordable on it.
	if err := e.store.TransitionBan(ctx, ban.ID, from, BanReversed); err != nil {
		return Ban{}, "", err
	}
	ban.Status = BanReversed

	e.publish(dispatch.KindBanReversed, ban.ID, ban.SubjectUserID, nil)
	return ban, from, nil
}

// GetBan returns the ban with its derived status resolved at read time.
func (e *Engine) GetBan(ctx context.Context, id string) (Ban, error) {
	ban, err := e.store.GetBan(ctx, id)
	if err != nil {
		return Ban{}, err
	}
	ban.Status = ban.DerivedStatus(e.now())
	return ban, nil
}

// --- Appeals ---

// FileAppeal opens the single permitted appeal for a ban and moves the ban to
// appealed.
func (e *Engine) FileAppeal(ctx context.Context, banID, message string) (Appeal, error) {
	if strings.TrimSpace(message) == "" {
		return Appeal{}, fmt.Errorf("%w: appeal message is required", ErrInvalidInput)
	}
	ban, err := e.store.GetBan(ctx, banID)
	if err != nil {
		return Appeal{}, err
	}
	switch ban.DerivedStatus(e.now()) {
	case BanActive, BanExpired:
		// appealable
	case BanAppealed:
		return Appeal{}, ErrDuplicateAppeal
	default:
		return Appeal{}, ErrBanNotAppealable
	}

	appeal := Appeal{
		ID:       ids.New(),
		BanID:    banID,
		Message:  strings.TrimSpace(message),
		Decision: AppealPending,
		FiledAt:  e.now(),
	}
	// The stored status of an appealable ban is always active; expired is a
	// derived reading of the same row.
	if err := e.store.FileAppeal(ctx, &appeal, BanActive); err != nil {
		return Appeal{}, err
	}
	return appeal, nil
}

// ReviewAppeal settles a pending appeal. Approval forces the parent ban to
// reversed; rejection returns it to its pre-appeal derived status.
func (e *Engine) ReviewAppeal(ctx context.Context, appealID string, decision AppealDecision, response, reviewedBy string) (Appeal, error) {
	if decision != AppealApproved && decision != AppealRejected {
		return Appeal{}, fmt.Errorf("%w: decision must be approved or rejected", ErrInvalidInput)
	}
	if strings.TrimSpace(response) == "" {
		return Appeal{}, fmt.Errorf("%w: reviewer response is required", ErrInvalidInput)
	}
	appeal, err := e.store.GetAppeal(ctx, appealID)
	if err != nil {
		return Appeal{}, err
	}
	if appeal.Decision != AppealPending {
		return Appeal{}, ErrAlreadyDecided
	}

	now := e.now()
	if err := e.store.DecideAppeal(ctx, appealID, decision, strings.TrimSpace(response), reviewedBy, now); err != nil {
		return Appeal{}, err
	}

	appeal.Decision = decision
	appeal.ReviewerResponse = strings.TrimSpace(response)
	appeal.ReviewedBy = reviewedBy
	appeal.ReviewedAt = &now

	e.publish(dispatch.KindAppealDecided, appeal.ID, "", map[string]string{
		"ban_id":   appeal.BanID,
		"decision": string(decision),
	})
	return appeal, nil
}

// --- Compliance violations ---

// ReportViolationInput is the detector/report payload for a new violation.
type ReportViolationInput struct {
	DetectedDomain      string
	Type                ViolationType
	Severity            Severity
	EvidenceDescription string
	ContactEmail        string
}

// ReportViolation opens a new compliance case in the detected state.
func (e *Engine) ReportViolation(ctx context.Context, in ReportViolationInput) (ComplianceViolation, error) {
	if strings.TrimSpace(in.DetectedDomain) == "" {
		return ComplianceViolation{}, fmt.Errorf("%w: detected domain is required", ErrInvalidInput)
	}
	if !ValidViolationType(in.Type) {
		return ComplianceViolation{}, fmt.Errorf("%w: unknown violation type %q", ErrInvalidInput, in.Type)
	}
	if !ValidSeverity(in.Severity) {
		return ComplianceViolation{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, in.Severity)
	}

	now := e.now()
	v := ComplianceViolation{
		ID:                  ids.New(),
		DetectedDomain:      strings.ToLower(strings.TrimSpace(in.DetectedDomain)),
		Type:                in.Type,
		Severity:            in.Severity,
		Status:              ViolationDetected,
		Action:              ActionNone,
		EvidenceDescription: in.EvidenceDescription,
		ContactEmail:        in.ContactEmail,
		ReportedAt:          now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateViolation(ctx, &v); err != nil {
		return ComplianceViolation{}, err
	}
	return v, nil
}

// LicenseInput describes a commercial license to issue.
type LicenseInput struct {
	LicenseeName   string
	LicenseeEmail  string
	AllowedDomains []string
	MaxUsers       *int
	ExpiresAt      *time.Time
}

func (in LicenseInput) validate() error {
	if strings.TrimSpace(in.LicenseeName) == "" || strings.TrimSpace(in.LicenseeEmail) == "" {
		return fmt.Errorf("%w: licensee name and email are required", ErrInvalidInput)
	}
	if len(in.AllowedDomains) == 0 {
		return fmt.Errorf("%w: at least one allowed domain is required", ErrInvalidInput)
	}
	if in.MaxUsers != nil && *in.MaxUsers <= 0 {
		return fmt.Errorf("%w: max users must be positive", ErrInvalidInput)
	}
	return nil
}

// TransitionViolation moves a violation along the strict forward graph and
// returns the status it moved from alongside the updated case. The
// confirmed -> resolved edge with resolved_licensed may create a commercial
// license in the same atomic step; no other transition can create one.
func (e *Engine) TransitionViolation(ctx context.Context, id string, to ViolationStatus, action EnforcementAction, license *LicenseInput) (ComplianceViolation, ViolationStatus, error) {
	v, err := e.store.GetViolation(ctx, id)
	if err != nil {
		return ComplianceViolation{}, "", err
	}
	from := v.Status
	if !CanTransitionViolation(from, to) {
		return ComplianceViolation{}, "", illegalTransition(FamilyViolation, string(from), string(to))
	}

	upd := ViolationUpdate{Now: e.now()}
	if action != "" && action != ActionNone {
		if !ValidEnforcementAction(action) {
			return ComplianceViolation{}, "", fmt.Errorf("%w: unknown enforcement action %q", ErrInvalidInput, action)
		}
		if !ActionAllowedFor(to) {
			return ComplianceViolation{}, "", fmt.Errorf("%w: enforcement action not allowed for status %s", ErrInvalidInput, to)
		}
		upd.Action = action
		if action == ActionWarningSent {
			upd.IncrementContact = true
		}
	}

	var created *CommercialLicense
	if license != nil {
		if to != ViolationResolved || action != ActionResolvedLicensed {
			return ComplianceViolation{}, "", fmt.Errorf("%w: a license may only be created on resolved_licensed resolution", ErrInvalidInput)
		}
		if err := license.validate(); err != nil {
			return ComplianceViolation{}, "", err
		}
		l := e.buildLicense(*license)
		created = &l
		upd.NewLicense = created
		upd.LinkedLicenseID = created.ID
	}

	if err := e.store.TransitionViolation(ctx, id, from, to, upd); err != nil {
		return ComplianceViolation{}, "", err
	}

	if upd.Action == ActionWarningSent {
		e.publish(dispatch.KindWarningSent, v.ID, "", map[string]string{
			"domain":  v.DetectedDomain,
			"contact": v.ContactEmail,
		})
	}
	if created != nil {
		e.publish(dispatch.KindLicenseCreated, created.ID, "", map[string]string{
			"licensee": created.LicenseeName,
			"domain":   v.DetectedDomain,
		})
	}

	updated, err := e.store.GetViolation(ctx, id)
	if err != nil {
		return ComplianceViolation{}, "", err
	}
	return updated, from, nil
}

// --- Multi-account links ---

// DetectLink upserts a link case for the account pair, accumulating evidence.
// Detection never auto-confirms regardless of confidence.
func (e *Engine) DetectLink(ctx context.Context, primaryID, linkedID string, evidence []policy.SignalKind) (MultiAccountLink, error) {
	if strings.TrimSpace(primaryID) == "" || strings.TrimSpace(linkedID) == "" {
		return MultiAccountLink{}, fmt.Errorf("%w: both account ids are required", ErrInvalidInput)
	}
	if primaryID == linkedID {
		return MultiAccountLink{}, fmt.Errorf("%w: an account cannot be linked to itself", ErrInvalidInput)
	}
	if len(evidence) == 0 {
		return MultiAccountLink{}, fmt.Errorf("%w: evidence is required", ErrInvalidInput)
	}
	for _, k := range evidence {
		if !policy.ValidSignal(k) {
			return MultiAccountLink{}, fmt.Errorf("%w: unknown signal kind %q", ErrInvalidInput, k)
		}
	}
	return e.store.UpsertLinkEvidence(ctx, primaryID, linkedID, evidence, e.now())
}

// ResolveLink records an admin judgment on a link and returns the status the
// case was resolved from. Unlike the other case families, re-resolution from
// any status is allowed so an earlier judgment can be corrected. Confirmation
// returns a ban recommendation; it never issues the ban itself.
func (e *Engine) ResolveLink(ctx context.Context, id string, to LinkStatus, notes string) (MultiAccountLink, *BanRecommendation, LinkStatus, error) {
	link, err := e.store.GetLink(ctx, id)
	if err != nil {
		return MultiAccountLink{}, nil, "", err
	}
	from := link.Status
	if !ResolutionStatus(to) {
		return MultiAccountLink{}, nil, "", illegalTransition(FamilyLink, string(from), string(to))
	}
	if err := e.store.ResolveLink(ctx, id, from, to, notes, e.now()); err != nil {
		return MultiAccountLink{}, nil, "", err
	}
	link, err = e.store.GetLink(ctx, id)
	if err != nil {
		return MultiAccountLink{}, nil, "", err
	}

	var rec *BanRecommendation
	if to == LinkConfirmed {
		rec = &BanRecommendation{
			PrimaryUserID: link.PrimaryUserID,
			LinkedUserID:  link.LinkedUserID,
			LinkID:        link.ID,
			Confidence:    link.Confidence,
		}
		e.publish(dispatch.KindLinkConfirmed, link.ID, link.PrimaryUserID, map[string]string{
			"linked_user": link.LinkedUserID,
			"confidence":  strconv.Itoa(link.Confidence),
		})
	}
	return link, rec, from, nil
}

// --- Abuse alerts ---

// RecordAlertInput is the detector payload for a new abuse alert.
type RecordAlertInput struct {
	UserID    string
	AlertType string
	Severity  AlertSeverity
	Metadata  map[string]string
}

// RecordAlert stores a new abuse alert in the new state.
func (e *Engine) RecordAlert(ctx context.Context, in RecordAlertInput) (AbuseAlert, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.AlertType) == "" {
		return AbuseAlert{}, fmt.Errorf("%w: user id and alert type are required", ErrInvalidInput)
	}
	if !ValidAlertSeverity(in.Severity) {
		return AbuseAlert{}, fmt.Errorf("%w: unknown alert severity %q", ErrInvalidInput, in.Severity)
	}
	now := e.now()
	a := AbuseAlert{
		ID:        ids.New(),
		UserID:    in.UserID,
		AlertType: in.AlertType,
		Severity:  in.Severity,
		Status:    AlertNew,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateAlert(ctx, &a); err != nil {
		return AbuseAlert{}, err
	}
	return a, nil
}

// TriageAlert advances an alert along the forward chain, returning the status
// it moved from. Skipping the reviewed checkpoint is rejected here; use
// FastTriageAlert for the explicit critical-severity exception.
func (e *Engine) TriageAlert(ctx context.Context, id string, to AlertStatus) (AbuseAlert, AlertStatus, error) {
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return AbuseAlert{}, "", err
	}
	from := a.Status
	if !CanTriageAlert(from, to) {
		return AbuseAlert{}, "", illegalTransition(FamilyAlert, string(from), string(to))
	}
	if err := e.store.TransitionAlert(ctx, id, from, to, "", e.now()); err != nil {
		return AbuseAlert{}, "", err
	}
	if AlertTerminal(to) {
		e.publish(dispatch.KindAlertTriaged, a.ID, a.UserID, map[string]string{
			"status":   string(to),
			"severity": string(a.Severity),
		})
	}
	updated, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return AbuseAlert{}, "", err
	}
	return updated, from, nil
}

// FastTriageAlert closes a critical alert directly from new, skipping the
// reviewed checkpoint. The actor must supply a justification, stored for
// audit, because the checkpoint is being bypassed.
func (e *Engine) FastTriageAlert(ctx context.Context, id string, to AlertStatus, justification string) (AbuseAlert, error) {
	if strings.TrimSpace(justification) == "" {
		return AbuseAlert{}, ErrJustificationRequired
	}
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return AbuseAlert{}, err
	}
	if a.Severity != AlertCritical || a.Status != AlertNew || !AlertTerminal(to) {
		return AbuseAlert{}, illegalTransition(FamilyAlert, string(a.Status), string(to))
	}
	if err := e.store.TransitionAlert(ctx, id, a.Status, to, strings.TrimSpace(justification), e.now()); err != nil {
		return AbuseAlert{}, err
	}
	e.publish(dispatch.KindAlertTriaged, a.ID, a.UserID, map[string]string{
		"status":   string(to),
		"severity": string(a.Severity),
		"fast":     "true",
	})
	return e.store.GetAlert(ctx, id)
}

// --- Commercial licenses ---

// IssueLicense creates an active license with a freshly generated opaque key.
func (e *Engine) IssueLicense(ctx context.Context, in LicenseInput) (CommercialLicense, error) {
	if err := in.validate(); err != nil {
		return CommercialLicense{}, err
	}
	l := e.buildLicense(in)
	if err := e.store.CreateLicense(ctx, &l); err != nil {
		return CommercialLicense{}, err
	}
	e.publish(dispatch.KindLicenseCreated, l.ID, "", map[string]string{
		"licensee": l.LicenseeName,
	})
	return l, nil
}

func (e *Engine) buildLicense(in LicenseInput) CommercialLicense {
	return CommercialLicense{
		ID:             ids.New(),
		LicenseKey:     newLicenseKey(),
		LicenseeName:   strings.TrimSpace(in.LicenseeName),
		LicenseeEmail:  strings.TrimSpace(strings.ToLower(in.LicenseeEmail)),
		AllowedDomains: in.AllowedDomains,
		MaxUsers:       in.MaxUsers,
		Status:         LicenseActive,
		ExpiresAt:      in.ExpiresAt,
		IssuedAt:       e.now(),
	}
}

// TransitionLicense applies an admin suspend/reinstate/revoke action and
// returns the stored status the license moved from.
func (e *Engine) TransitionLicense(ctx context.Context, id string, to LicenseStatus) (CommercialLicense, LicenseStatus, error) {
	l, err := e.store.GetLicense(ctx, id)
	if err != nil {
		return CommercialLicense{}, "", err
	}
	from := l.Status
	if !CanTransitionLicense(from, to) {
		return CommercialLicense{}, "", illegalTransition(FamilyLicense, string(from), string(to))
	}
	if err := e.store.TransitionLicense(ctx, id, from, to); err != nil {
		return CommercialLicense{}, "", err
	}
	if to == LicenseSuspended {
		e.publish(dispatch.KindLicenseSuspended, l.ID, "", map[string]string{
			"licensee": l.LicenseeName,
		})
	}
	updated, err := e.store.GetLicense(ctx, id)
	if err != nil {
		return CommercialLicense{}, "", err
	}
	return updated, from, nil
}

// GetLicense returns the license with its derived status resolved.
func (e *Engine) GetLicense(ctx context.Context, id string) (CommercialLicense, error) {
	l, err := e.store.GetLicense(ctx, id)
	if err != nil {
		return CommercialLicense{}, err
	}
	l.Status = l.DerivedStatus(e.now())
	return l, nil
}

func newLicenseKey() string {
	var b [24]byte
	_, _ = rand.Read(b[:])
	return "lbl_" + base64.RawURLEncoding.EncodeToString(b[:])
}
