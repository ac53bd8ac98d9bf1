package enforce

import (
	"context"
	"time"
)

// Query is the stateless read side consumed by dashboards. No write-side
// invariants apply here; derived statuses are resolved at read time by the
// store itself.
type Query struct {
	store CaseStore
	now   func() time.Time
}

// NewQuery constructs the read facade over a case store.
func NewQuery(store CaseStore) *Query {
	return &Query{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Stats aggregates counts per case family and status.
func (q *Query) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx, q.now())
}

// Ban fetches one ban with its derived status resolved.
func (q *Query) Ban(ctx context.Context, id string) (Ban, error) {
	b, err := q.store.GetBan(ctx, id)
	if err != nil {
		return Ban{}, err
	}
	b.Status = b.DerivedStatus(q.now())
	return b, nil
}

// License fetches one license with its derived status resolved.
func (q *Query) License(ctx context.Context, id string) (CommercialLicense, error) {
	l, err := q.store.GetLicense(ctx, id)
	if err != nil {
		return CommercialLicense{}, err
	}
	l.Status = l.DerivedStatus(q.now())
	return l, nil
}

// Bans lists bans with derived statuses, newest-first ordering left to the store.
func (q *Query) Bans(ctx context.Context, f BanFilter) ([]Ban, error) {
	return q.store.ListBans(ctx, f)
}

// Links lists multi-account link cases.
func (q *Query) Links(ctx context.Context, f LinkFilter) ([]MultiAccountLink, error) {
	return q.store.ListLinks(ctx, f)
}

// Violations lists compliance violation cases.
func (q *Query) Violations(ctx context.Context, f ViolationFilter) ([]ComplianceViolation, error) {
	return q.store.ListViolations(ctx, f)
}

// Alerts lists abuse alerts.
func (q *Query) Alerts(ctx context.Context, f AlertFilter) ([]AbuseAlert, error) {
	return q.store.ListAlerts(ctx, f)
}

// AuditTrail lists append-only audit records.
func (q *Query) AuditTrail(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	return q.store.ListAudit(ctx, f)
}
