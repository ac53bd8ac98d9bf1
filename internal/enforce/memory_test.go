package enforce

import (
	"context"
	"errors"
	"testing"
	"time"

	"linkbio.org/internal/ids"
	"linkbio.org/internal/policy"
)

func TestInMemoryTransitionBanCAS(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	ban := &Ban{ID: ids.New(), SubjectUserID: "u", Type: BanPermanent, Status: BanActive, IssuedAt: time.Now().UTC()}
	if err := s.CreateBan(ctx, ban); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}

	if err := s.TransitionBan(ctx, ban.ID, BanActive, BanReversed); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Stale expectation loses.
	if err := s.TransitionBan(ctx, ban.ID, BanActive, BanAppealed); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale transition err = %v, want ErrConcurrentModification", err)
	}
	if err := s.TransitionBan(ctx, "missing", BanActive, BanReversed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestInMemoryListBansDerivedStatusFilter(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	issued := time.Now().UTC().Add(-48 * time.Hour)
	past := issued.Add(24 * time.Hour)

	expired := &Ban{ID: ids.New(), SubjectUserID: "a", Type: BanTemporary, Status: BanActive, IssuedAt: issued, ExpiresAt: &past}
	active := &Ban{ID: ids.New(), SubjectUserID: "b", Type: BanPermanent, Status: BanActive, IssuedAt: issued}
	if err := s.CreateBan(ctx, expired); err != nil {
		t.Fatalf("CreateBan expired: %v", err)
	}
	if err := s.CreateBan(ctx, active); err != nil {
		t.Fatalf("CreateBan active: %v", err)
	}

	got, err := s.ListBans(ctx, BanFilter{Status: BanExpired})
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID || got[0].Status != BanExpired {
		t.Fatalf("expired listing = %+v", got)
	}

	got, err = s.ListBans(ctx, BanFilter{Status: BanActive})
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("active listing = %+v", got)
	}
}

func TestInMemoryPagination(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		a := &AbuseAlert{ID: ids.New(), UserID: "u", AlertType: "t", Severity: AlertInfo, Status: AlertNew, CreatedAt: now, UpdatedAt: now}
		if err := s.CreateAlert(ctx, a); err != nil {
			t.Fatalf("CreateAlert: %v", err)
		}
	}

	page, err := s.ListAlerts(ctx, AlertFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if tail, _ := s.ListAlerts(ctx, AlertFilter{Limit: 10, Offset: 4}); len(tail) != 1 {
		t.Fatalf("tail size = %d, want 1", len(tail))
	}
	if none, _ := s.ListAlerts(ctx, AlertFilter{Offset: 99}); none != nil {
		t.Fatalf("past-end page = %v, want empty", none)
	}
}

func TestInMemoryLinkFilters(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.UpsertLinkEvidence(ctx, "p1", "l1", []policy.SignalKind{policy.SignalIPMatch}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertLinkEvidence(ctx, "p2", "l2", []policy.SignalKind{policy.SignalPaymentMatch}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	strong, err := s.ListLinks(ctx, LinkFilter{MinConfidence: 50})
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if len(strong) != 1 || strong[0].PrimaryUserID != "p2" {
		t.Fatalf("strong links = %+v", strong)
	}

	// UserID matches either side of the pair.
	byLinked, _ := s.ListLinks(ctx, LinkFilter{UserID: "l1"})
	if len(byLinked) != 1 || byLinked[0].LinkedUserID != "l1" {
		t.Fatalf("links by linked side = %+v", byLinked)
	}
}

func TestInMemoryStatsDerivedCounts(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	issued := time.Now().UTC().Add(-time.Hour)
	past := issued.Add(time.Minute)

	if err := s.CreateBan(ctx, &Ban{ID: ids.New(), SubjectUserID: "a", Type: BanTemporary, Status: BanActive, IssuedAt: issued, ExpiresAt: &past}); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}
	if err := s.CreateBan(ctx, &Ban{ID: ids.New(), SubjectUserID: "b", Type: BanPermanent, Status: BanActive, IssuedAt: issued}); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}

	stats, err := s.Stats(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Bans[BanActive] != 1 || stats.Bans[BanExpired] != 1 {
		t.Fatalf("ban stats = %+v", stats.Bans)
	}
}

func TestInMemoryAuditAppendOnly(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, fam := range []CaseFamily{FamilyBan, FamilyAlert, FamilyBan} {
		rec := &AuditRecord{ID: ids.New(), ActorID: "admin", Family: fam, CaseID: "c-" + string(fam), FromStatus: "x", ToStatus: "y", OccurredAt: now}
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	all, err := s.ListAudit(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	bans, _ := s.ListAudit(ctx, AuditFilter{Family: FamilyBan})
	if len(bans) != 2 {
		t.Fatalf("ban records = %d, want 2", len(bans))
	}
}
