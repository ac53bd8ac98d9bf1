package enforce

import (
	"context"
	"sort"
	"sync"
	"time"

	"linkbio.org/internal/ids"
	"linkbio.org/internal/policy"
)

// InMemory implements CaseStore with in-process concurrency safety. Secondary
// indexes keep subject and pair lookups O(1); all transitions happen under a
// single lock so the compare-and-set semantics hold trivially.
type InMemory struct {
	mu sync.RWMutex

	bans       map[string]*Ban
	appeals    map[string]*Appeal
	links      map[string]*MultiAccountLink
	violations map[string]*ComplianceViolation
	licenses   map[string]*CommercialLicense
	alerts     map[string]*AbuseAlert
	audit      []AuditRecord

	// Secondary indexes: subject -> ban ids (insertion order), ban -> appeal id,
	// unordered account pair -> link id.
	bansBySubject map[string][]string
	appealByBan   map[string]string
	linkByPair    map[string]string

	banOrder       []string
	linkOrder      []string
	violationOrder []string
	alertOrder     []string
}

var _ CaseStore = (*InMemory)(nil)

// NewInMemory creates an empty case store.
func NewInMemory() *InMemory {
	return &InMemory{
		bans:          make(map[string]*Ban),
		appeals:       make(map[string]*Appeal),
		links:         make(map[string]*MultiAccountLink),
		violations:    make(map[string]*ComplianceViolation),
		licenses:      make(map[string]*CommercialLicense),
		alerts:        make(map[string]*AbuseAlert),
		bansBySubject: make(map[string][]string),
		appealByBan:   make(map[string]string),
		linkByPair:    make(map[string]string),
	}
}

// --- Bans ---

func (s *InMemory) CreateBan(ctx context.Context, ban *Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Single-active-ban invariant enforced at the store so the check and the
	// insert are atomic under concurrent issueBan calls.
	for _, id := range s.bansBySubject[ban.SubjectUserID] {
		if s.bans[id].DerivedStatus(ban.IssuedAt) == BanActive {
			return ErrActiveBanExists
		}
	}

	cp := *ban
	s.bans[cp.ID] = &cp
	s.bansBySubject[cp.SubjectUserID] = append(s.bansBySubject[cp.SubjectUserID], cp.ID)
	s.banOrder = append(s.banOrder, cp.ID)
	return nil
}

func (s *InMemory) GetBan(ctx context.Context, id string) (Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bans[id]
	if !ok {
		return Ban{}, ErrNotFound
	}
	return *b, nil
}

func (s *InMemory) LatestBanForSubject(ctx context.Context, subjectID string) (Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idsList := s.bansBySubject[subjectID]
	if len(idsList) == 0 {
		return Ban{}, ErrNotFound
	}
	return *s.bans[idsList[len(idsList)-1]], nil
}

func (s *InMemory) ActiveBanForSubject(ctx context.Context, subjectID string, now time.Time) (Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.bansBySubject[subjectID] {
		if b := s.bans[id]; b.DerivedStatus(now) == BanActive {
			return *b, nil
		}
	}
	return Ban{}, ErrNotFound
}

func (s *InMemory) TransitionBan(ctx context.Context, id string, from, to BanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionBanLocked(id, from, to)
}

func (s *InMemory) transitionBanLocked(id string, from, to BanStatus) error {
	b, ok := s.bans[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != from {
		return ErrConcurrentModification
	}
	b.Status = to
	return nil
}

func (s *InMemory) ListBans(ctx context.Context, f BanFilter) ([]Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []Ban
	for _, id := range s.banOrder {
		b := s.bans[id]
		if f.SubjectID != "" && b.SubjectUserID != f.SubjectID {
			continue
		}
		cp := *b
		cp.Status = cp.DerivedStatus(now)
		if f.Status != "" && cp.Status != f.Status {
			continue
		}
		out = append(out, cp)
	}
	return paginate(out, f.Offset, clampLimit(f.Limit)), nil
}

// --- Appeals ---

func (s *InMemory) FileAppeal(ctx context.Context, appeal *Appeal, fromBanStatus BanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.appealByBan[appeal.BanID]; exists {
		return ErrDuplicateAppeal
	}
	if err := s.transitionBanLocked(appeal.BanID, fromBanStatus, BanAppealed); err != nil {
		return err
	}
	cp := *appeal
	s.appeals[cp.ID] = &cp
	s.appealByBan[cp.BanID] = cp.ID
	return nil
}

func (s *InMemory) GetAppeal(ctx context.Context, id string) (Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appeals[id]
	if !ok {
		return Appeal{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) DecideAppeal(ctx context.Context, id string, decision AppealDecision, response, reviewedBy string, reviewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appeals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Decision != AppealPending {
		return ErrConcurrentModification
	}

	// Settle the parent ban in the same critical section: approval reverses
	// it, rejection returns it to its pre-appeal stored status (active; the
	// derived read still yields expired when the clock has passed expiry).
	// A ban already reversed by a direct unban stays reversed; the decision
	// is still recorded on the appeal.
	if ban, ok := s.bans[a.BanID]; ok && ban.Status == BanAppealed {
		target := BanActive
		if decision == AppealApproved {
			target = BanReversed
		}
		ban.Status = target
	}

	a.Decision = decision
	a.ReviewerResponse = response
	a.ReviewedBy = reviewedBy
	at := reviewedAt
	a.ReviewedAt = &at
	return nil
}

// --- Multi-account links ---

// pairKey is orientation-insensitive: a later detection reported as (B, A)
// lands on the same case as the original (A, B). The stored row keeps the
// orientation of the first detection.
func pairKey(primaryID, linkedID string) string {
	if linkedID < primaryID {
		primaryID, linkedID = linkedID, primaryID
	}
	return primaryID + "\x00" + linkedID
}

func (s *InMemory) UpsertLinkEvidence(ctx context.Context, primaryID, linkedID string, evidence []policy.SignalKind, now time.Time) (MultiAccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(primaryID, linkedID)
	id, ok := s.linkByPair[key]
	if !ok {
		confidence, linkType := policy.Score(evidence)
		link := &MultiAccountLink{
			ID:            ids.New(),
			PrimaryUserID: primaryID,
			LinkedUserID:  linkedID,
			LinkType:      linkType,
			Confidence:    confidence,
			Status:        LinkDetected,
			Evidence:      dedupeSignals(evidence),
			DetectedAt:    now,
			UpdatedAt:     now,
		}
		s.links[link.ID] = link
		s.linkByPair[key] = link.ID
		s.linkOrder = append(s.linkOrder, link.ID)
		return *link, nil
	}

	link := s.links[id]
	union := dedupeSignals(append(append([]policy.SignalKind{}, link.Evidence...), evidence...))
	confidence, linkType := policy.Score(union)
	link.Evidence = union
	link.Confidence = confidence
	link.LinkType = linkType
	link.UpdatedAt = now
	return *link, nil
}

func (s *InMemory) GetLink(ctx context.Context, id string) (MultiAccountLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return MultiAccountLink{}, ErrNotFound
	}
	return *l, nil
}

func (s *InMemory) ResolveLink(ctx context.Context, id string, from, to LinkStatus, notes string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != from {
		return ErrConcurrentModification
	}
	l.Status = to
	if notes != "" {
		l.Notes = notes
	}
	l.UpdatedAt = now
	return nil
}

func (s *InMemory) ListLinks(ctx context.Context, f LinkFilter) ([]MultiAccountLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MultiAccountLink
	for _, id := range s.linkOrder {
		l := s.links[id]
		if f.UserID != "" && l.PrimaryUserID != f.UserID && l.LinkedUserID != f.UserID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if l.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, *l)
	}
	return paginate(out, f.Offset, clampLimit(f.Limit)), nil
}

// --- Compliance violations ---

func (s *InMemory) CreateViolation(ctx context.Context, v *ComplianceViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.violations[cp.ID] = &cp
	s.violationOrder = append(s.violationOrder, cp.ID)
	return nil
}

func (s *InMemory) GetViolation(ctx context.Context, id string) (ComplianceViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[id]
	if !ok {
		return ComplianceViolation{}, ErrNotFound
	}
	return *v, nil
}

func (s *InMemory) TransitionViolation(ctx context.Context, id string, from, to ViolationStatus, upd ViolationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status != from {
		return ErrConcurrentModification
	}
	v.Status = to
	if upd.Action != "" && upd.Action != ActionNone {
		v.Action = upd.Action
	}
	if upd.IncrementContact {
		v.ContactAttempts++
	}
	if upd.LinkedLicenseID != "" {
		v.LinkedLicenseID = upd.LinkedLicenseID
	}
	if upd.NewLicense != nil {
		cp := *upd.NewLicense
		s.licenses[cp.ID] = &cp
	}
	v.UpdatedAt = upd.Now
	return nil
}

func (s *InMemory) ListViolations(ctx context.Context, f ViolationFilter) ([]ComplianceViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ComplianceViolation
	for _, id := range s.violationOrder {
		v := s.violations[id]
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Severity != "" && v.Severity != f.Severity {
			continue
		}
		if f.Domain != "" && v.DetectedDomain != f.Domain {
			continue
		}
		out = append(out, *v)
	}
	return paginate(out, f.Offset, clampLimit(f.Limit)), nil
}

// --- Commercial licenses ---

func (s *InMemory) CreateLicense(ctx context.Context, l *CommercialLicense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.licenses[cp.ID] = &cp
	return nil
}

func (s *InMemory) GetLicense(ctx context.Context, id string) (CommercialLicense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[id]
	if !ok {
		return CommercialLicense{}, ErrNotFound
	}
	return *l, nil
}

func (s *InMemory) TransitionLicense(ctx context.Context, id string, from, to LicenseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != from {
		return ErrConcurrentModification
	}
	l.Status = to
	return nil
}

// --- Abuse alerts ---

func (s *InMemory) CreateAlert(ctx context.Context, a *AbuseAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[cp.ID] = &cp
	s.alertOrder = append(s.alertOrder, cp.ID)
	return nil
}

func (s *InMemory) GetAlert(ctx context.Context, id string) (AbuseAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return AbuseAlert{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) TransitionAlert(ctx context.Context, id string, from, to AlertStatus, justification string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrConcurrentModification
	}
	a.Status = to
	if justification != "" {
		a.Justification = justification
	}
	a.UpdatedAt = now
	return nil
}

func (s *InMemory) ListAlerts(ctx context.Context, f AlertFilter) ([]AbuseAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AbuseAlert
	for _, id := range s.alertOrder {
		a := s.alerts[id]
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		out = append(out, *a)
	}
	return paginate(out, f.Offset, clampLimit(f.Limit)), nil
}

// --- Audit ---

func (s *InMemory) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *rec)
	return nil
}

func (s *InMemory) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditRecord
	for _, rec := range s.audit {
		if f.CaseID != "" && rec.CaseID != f.CaseID {
			continue
		}
		if f.Family != "" && rec.Family != f.Family {
			continue
		}
		out = append(out, rec)
	}
	return paginate(out, f.Offset, clampLimit(f.Limit)), nil
}

// --- Stats ---

func (s *InMemory) Stats(ctx context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Bans:       make(map[BanStatus]int),
		Links:      make(map[LinkStatus]int),
		Violations: make(map[ViolationStatus]int),
		Alerts:     make(map[AlertStatus]int),
		Licenses:   make(map[LicenseStatus]int),
		AsOf:       now,
	}
	for _, b := range s.bans {
		stats.Bans[b.DerivedStatus(now)]++
	}
	for _, l := range s.links {
		stats.Links[l.Status]++
	}
	for _, v := range s.violations {
		stats.Violations[v.Status]++
	}
	for _, a := range s.alerts {
		stats.Alerts[a.Status]++
	}
	for _, l := range s.licenses {
		stats.Licenses[l.DerivedStatus(now)]++
	}
	return stats, nil
}

// --- helpers ---

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func dedupeSignals(in []policy.SignalKind) []policy.SignalKind {
	seen := make(map[policy.SignalKind]struct{}, len(in))
	var out []policy.SignalKind
	for _, k := range in {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
