package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"linkbio.org/internal/enforce"
	"linkbio.org/internal/policy"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestTransitionBanCommits(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`update bans set status=$3 where id=$1 and status=$2`)).
		WithArgs("ban-1", enforce.BanActive, enforce.BanReversed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.TransitionBan(context.Background(), "ban-1", enforce.BanActive, enforce.BanReversed); err != nil {
		t.Fatalf("TransitionBan: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionBanConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`update bans set status=$3 where id=$1 and status=$2`)).
		WithArgs("ban-1", enforce.BanActive, enforce.BanReversed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`select exists(select 1 from bans where id=$1)`)).
		WithArgs("ban-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.TransitionBan(context.Background(), "ban-1", enforce.BanActive, enforce.BanReversed)
	if !errors.Is(err, enforce.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTransitionBanNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`update bans set status=$3 where id=$1 and status=$2`)).
		WithArgs("gone", enforce.BanActive, enforce.BanReversed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`select exists(select 1 from bans where id=$1)`)).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.TransitionBan(context.Background(), "gone", enforce.BanActive, enforce.BanReversed)
	if !errors.Is(err, enforce.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateBanRejectsSecondActive(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`select exists`).
		WithArgs(now, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	ban := &enforce.Ban{ID: "b1", SubjectUserID: "user-1", Type: enforce.BanPermanent, Status: enforce.BanActive, IssuedAt: now}
	if err := s.CreateBan(context.Background(), ban); !errors.Is(err, enforce.ErrActiveBanExists) {
		t.Fatalf("err = %v, want ErrActiveBanExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDecideAppealSettlesParentBan(t *testing.T) {
	s, mock := newMockStore(t)
	reviewedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`update appeals`).
		WithArgs("ap-1", enforce.AppealApproved, "ok", "admin-1", reviewedAt).
		WillReturnRows(sqlmock.NewRows([]string{"ban_id"}).AddRow("ban-1"))
	mock.ExpectExec(regexp.QuoteMeta(`update bans set status=$2 where id=$1 and status='appealed'`)).
		WithArgs("ban-1", enforce.BanReversed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DecideAppeal(context.Background(), "ap-1", enforce.AppealApproved, "ok", "admin-1", reviewedAt); err != nil {
		t.Fatalf("DecideAppeal: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDecideAppealAlreadySettled(t *testing.T) {
	s, mock := newMockStore(t)
	reviewedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`update appeals`).
		WithArgs("ap-1", enforce.AppealRejected, "no", "admin-2", reviewedAt).
		WillReturnRows(sqlmock.NewRows([]string{"ban_id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`select exists(select 1 from appeals where id=$1)`)).
		WithArgs("ap-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.DecideAppeal(context.Background(), "ap-1", enforce.AppealRejected, "no", "admin-2", reviewedAt)
	if !errors.Is(err, enforce.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestUpsertLinkEvidenceJoinsConcurrentFirstDetection(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	pairSelect := `(?s)select id from account_links.+for update`
	mock.ExpectBegin()
	mock.ExpectQuery(pairSelect).
		WithArgs("alpha", "beta").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// The insert loses the unique-pair race: zero rows affected.
	mock.ExpectExec(`(?s)insert into account_links.+do nothing`).
		WithArgs(sqlmock.AnyArg(), "alpha", "beta", enforce.LinkDetected, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The re-select joins the row the winner committed, whichever way round
	// the winner named the pair.
	mock.ExpectQuery(pairSelect).
		WithArgs("alpha", "beta").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("link-1"))
	mock.ExpectExec(`insert into link_evidence`).
		WithArgs("link-1", policy.SignalIPMatch, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select kind from link_evidence`).
		WithArgs("link-1").
		WillReturnRows(sqlmock.NewRows([]string{"kind"}).AddRow("ip_match"))
	mock.ExpectExec(`update account_links set confidence`).
		WithArgs("link-1", 25, policy.LinkIPMatch, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)select .+ from account_links where id=\$1`).
		WithArgs("link-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "primary_user_id", "linked_user_id", "link_type", "confidence", "status", "notes", "detected_at", "updated_at"}).
			AddRow("link-1", "beta", "alpha", "ip_match", 25, "detected", nil, now, now))
	mock.ExpectCommit()

	link, err := s.UpsertLinkEvidence(context.Background(), "alpha", "beta", []policy.SignalKind{policy.SignalIPMatch}, now)
	if err != nil {
		t.Fatalf("UpsertLinkEvidence: %v", err)
	}
	if link.ID != "link-1" || link.Confidence != 25 {
		t.Fatalf("link = %+v", link)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetBanNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)select .+ from bans where id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetBan(context.Background(), "missing"); !errors.Is(err, enforce.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
