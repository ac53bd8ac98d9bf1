// Package gateway is the only mutation entry point of the enforcement core.
// It resolves the authenticated actor, checks the elevated capability once at
// this boundary, delegates to the engine, and appends an immutable audit
// record for every committed transition.
package gateway

import (
	"context"
	"errors"
	"time"

	"linkbio.org/internal/audit"
	"linkbio.org/internal/auth"
	"linkbio.org/internal/enforce"
	"linkbio.org/internal/ids"
	"linkbio.org/internal/obs"
	"linkbio.org/internal/policy"
)

// ErrForbidden is returned when the actor lacks the required capability.
var ErrForbidden = errors.New("gateway: actor lacks required capability")

// Gateway wraps the enforcement engine with authorization and auditing.
type Gateway struct {
	engine *enforce.Engine
	store  enforce.CaseStore
	now    func() time.Time
}

// New constructs the gateway. The store is used only for the append-only
// audit trail; all case mutations go through the engine.
func New(engine *enforce.Engine, store enforce.CaseStore) *Gateway {
	return &Gateway{
		engine: engine,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) authorize(ctx context.Context, cap auth.Capability) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return auth.Actor{}, ErrForbidden
	}
	if !actor.Can(cap) {
		return auth.Actor{}, ErrForbidden
	}
	return actor, nil
}

// record appends the audit entry and emits the structured audit event. Audit
// append failures are logged, not propagated: the transition has already
// committed and must not be reported as failed.
func (g *Gateway) record(ctx context.Context, actor auth.Actor, family enforce.CaseFamily, caseID, from, to string) {
	rec := enforce.AuditRecord{
		ID:         ids.New(),
		ActorID:    actor.ID,
		Family:     family,
		CaseID:     caseID,
		FromStatus: from,
		ToStatus:   to,
		OccurredAt: g.now(),
	}
	if err := g.store.AppendAudit(ctx, &rec); err != nil {
		_ = audit.LogEvent(ctx, "enforcement.audit.append_failed", map[string]any{
			"case_id": caseID,
			"error":   err.Error(),
		})
	}
	_ = audit.LogEvent(ctx, "enforcement."+string(family)+".transition", map[string]any{
		"case_id": caseID,
		"from":    from,
		"to":      to,
	})
	obs.ObserveTransition(string(family), "committed")
}

func observeFailure(family enforce.CaseFamily, err error) {
	if errors.Is(err, enforce.ErrConcurrentModification) {
		obs.ObserveTransition(string(family), "conflict")
		return
	}
	obs.ObserveTransition(string(family), "rejected")
}

// IssueBan bans a subject account.
func (g *Gateway) IssueBan(ctx context.Context, in enforce.IssueBanInput) (enforce.Ban, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.Ban{}, err
	}
	in.IssuedBy = actor.ID
	ban, err := g.engine.IssueBan(ctx, in)
	if err != nil {
		observeFailure(enforce.FamilyBan, err)
		return enforce.Ban{}, err
	}
	g.record(ctx, actor, enforce.FamilyBan, ban.ID, "", string(enforce.BanActive))
	return ban, nil
}

// Unban reverses a subject's ban directly.
func (g *Gateway) Unban(ctx context.Context, subjectUserID string) (enforce.Ban, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.Ban{}, err
	}
	ban, from, err := g.engine.Unban(ctx, subjectUserID)
	if err != nil {
		observeFailure(enforce.FamilyBan, err)
		return ban, err
	}
	g.record(ctx, actor, enforce.FamilyBan, ban.ID, string(from), string(enforce.BanReversed))
	return ban, nil
}

// FileAppeal opens the single permitted appeal for a ban.
func (g *Gateway) FileAppeal(ctx context.Context, banID, message string) (enforce.Appeal, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.Appeal{}, err
	}
	appeal, err := g.engine.FileAppeal(ctx, banID, message)
	if err != nil {
		observeFailure(enforce.FamilyAppeal, err)
		return enforce.Appeal{}, err
	}
	g.record(ctx, actor, enforce.FamilyBan, banID, string(enforce.BanActive), string(enforce.BanAppealed))
	return appeal, nil
}

// ReviewAppeal settles a pending appeal.
func (g *Gateway) ReviewAppeal(ctx context.Context, appealID string, decision enforce.AppealDecision, response string) (enforce.Appeal, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.Appeal{}, err
	}
	appeal, err := g.engine.ReviewAppeal(ctx, appealID, decision, response, actor.ID)
	if err != nil {
		observeFailure(enforce.FamilyAppeal, err)
		return enforce.Appeal{}, err
	}
	g.record(ctx, actor, enforce.FamilyAppeal, appeal.ID, string(enforce.AppealPending), string(decision))
	return appeal, nil
}

// ReportViolation opens a compliance case.
func (g *Gateway) ReportViolation(ctx context.Context, in enforce.ReportViolationInput) (enforce.ComplianceViolation, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.ComplianceViolation{}, err
	}
	v, err := g.engine.ReportViolation(ctx, in)
	if err != nil {
		observeFailure(enforce.FamilyViolation, err)
		return enforce.ComplianceViolation{}, err
	}
	g.record(ctx, actor, enforce.FamilyViolation, v.ID, "", string(enforce.ViolationDetected))
	return v, nil
}

// TransitionViolation moves a compliance case along its forward graph.
// Creating a license as part of resolved_licensed requires the owner
// capability, the same asymmetry as direct issuance.
func (g *Gateway) TransitionViolation(ctx context.Context, id string, to enforce.ViolationStatus, action enforce.EnforcementAction, license *enforce.LicenseInput) (enforce.ComplianceViolation, error) {
	capability := auth.CapEnforce
	if license != nil {
		capability = auth.CapIssueLicense
	}
	actor, err := g.authorize(ctx, capability)
	if err != nil {
		return enforce.ComplianceViolation{}, err
	}
	v, from, err := g.engine.TransitionViolation(ctx, id, to, action, license)
	if err != nil {
		observeFailure(enforce.FamilyViolation, err)
		return enforce.ComplianceViolation{}, err
	}
	g.record(ctx, actor, enforce.FamilyViolation, id, string(from), string(to))
	return v, nil
}

// DetectLink upserts a multi-account link case with accumulated evidence.
func (g *Gateway) DetectLink(ctx context.Context, primaryID, linkedID string, evidence []policy.SignalKind) (enforce.MultiAccountLink, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	link, err := g.engine.DetectLink(ctx, primaryID, linkedID, evidence)
	if err != nil {
		observeFailure(enforce.FamilyLink, err)
		return enforce.MultiAccountLink{}, err
	}
	g.record(ctx, actor, enforce.FamilyLink, link.ID, "", string(link.Status))
	return link, nil
}

// ResolveLink records an admin judgment on a link case.
func (g *Gateway) ResolveLink(ctx context.Context, id string, to enforce.LinkStatus, notes string) (enforce.MultiAccountLink, *enforce.BanRecommendation, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.MultiAccountLink{}, nil, err
	}
	link, rec, from, err := g.engine.ResolveLink(ctx, id, to, notes)
	if err != nil {
		observeFailure(enforce.FamilyLink, err)
		return enforce.MultiAccountLink{}, nil, err
	}
	g.record(ctx, actor, enforce.FamilyLink, link.ID, string(from), string(to))
	return link, rec, nil
}

// RecordAlert stores a detector-produced abuse alert.
func (g *Gateway) RecordAlert(ctx context.Context, in enforce.RecordAlertInput) (enforce.AbuseAlert, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.AbuseAlert{}, err
	}
	a, err := g.engine.RecordAlert(ctx, in)
	if err != nil {
		observeFailure(enforce.FamilyAlert, err)
		return enforce.AbuseAlert{}, err
	}
	g.record(ctx, actor, enforce.FamilyAlert, a.ID, "", string(enforce.AlertNew))
	return a, nil
}

// TriageAlert advances an alert along the forward chain.
func (g *Gateway) TriageAlert(ctx context.Context, id string, to enforce.AlertStatus) (enforce.AbuseAlert, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.AbuseAlert{}, err
	}
	a, from, err := g.engine.TriageAlert(ctx, id, to)
	if err != nil {
		observeFailure(enforce.FamilyAlert, err)
		return enforce.AbuseAlert{}, err
	}
	g.record(ctx, actor, enforce.FamilyAlert, a.ID, string(from), string(to))
	return a, nil
}

// FastTriageAlert closes a critical alert directly from new with an audited
// justification.
func (g *Gateway) FastTriageAlert(ctx context.Context, id string, to enforce.AlertStatus, justification string) (enforce.AbuseAlert, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.AbuseAlert{}, err
	}
	a, err := g.engine.FastTriageAlert(ctx, id, to, justification)
	if err != nil {
		observeFailure(enforce.FamilyAlert, err)
		return enforce.AbuseAlert{}, err
	}
	g.record(ctx, actor, enforce.FamilyAlert, a.ID, string(enforce.AlertNew), string(to))
	return a, nil
}

// IssueLicense creates a commercial license. Owner-only.
func (g *Gateway) IssueLicense(ctx context.Context, in enforce.LicenseInput) (enforce.CommercialLicense, error) {
	actor, err := g.authorize(ctx, auth.CapIssueLicense)
	if err != nil {
		return enforce.CommercialLicense{}, err
	}
	l, err := g.engine.IssueLicense(ctx, in)
	if err != nil {
		observeFailure(enforce.FamilyLicense, err)
		return enforce.CommercialLicense{}, err
	}
	g.record(ctx, actor, enforce.FamilyLicense, l.ID, "", string(enforce.LicenseActive))
	return l, nil
}

// TransitionLicense applies a suspend/reinstate/revoke action.
func (g *Gateway) TransitionLicense(ctx context.Context, id string, to enforce.LicenseStatus) (enforce.CommercialLicense, error) {
	actor, err := g.authorize(ctx, auth.CapEnforce)
	if err != nil {
		return enforce.CommercialLicense{}, err
	}
	l, from, err := g.engine.TransitionLicense(ctx, id, to)
	if err != nil {
		observeFailure(enforce.FamilyLicense, err)
		return enforce.CommercialLicense{}, err
	}
	g.record(ctx, actor, enforce.FamilyLicense, l.ID, string(from), string(to))
	return l, nil
}
