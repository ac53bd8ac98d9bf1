// Package pg implements the case store on PostgreSQL. Status transitions are
// guarded updates keyed by (id, expected status); zero rows affected on an
// existing row surfaces as ErrConcurrentModification so racing admins get a
// recognizable conflict instead of a silent double-apply.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"linkbio.org/internal/enforce"
	"linkbio.org/internal/ids"
	"linkbio.org/internal/policy"
)

type Store struct {
	db *sql.DB
}

var _ enforce.CaseStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const uniqueViolation = "23505"

func isUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

// derivedBanStatus is the SQL counterpart of Ban.DerivedStatus: a stored
// active ban past its expiry reads as expired without any write.
const derivedBanStatus = `case when status = 'active' and expires_at is not null and expires_at <= $1
	then 'expired' else status end`

// --- Bans ---

func (s *Store) CreateBan(ctx context.Context, ban *enforce.Ban) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Single-active-ban invariant: the existence check and the insert run in
	// one transaction, and the partial unique index on (subject_user_id) where
	// status='active' backstops races between transactions.
	var exists bool
	err = tx.QueryRowContext(ctx, `
		select exists(
			select 1 from bans
			where subject_user_id = $2
			  and (`+derivedBanStatus+`) = 'active'
		)
	`, ban.IssuedAt, ban.SubjectUserID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return enforce.ErrActiveBanExists
	}

	_, err = tx.ExecContext(ctx, `
		insert into bans(id, subject_user_id, ban_type, reason, internal_notes,
			duration_unit, duration_value, issued_at, expires_at, status, issued_by)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ban.ID, ban.SubjectUserID, ban.Type, ban.Reason, ban.InternalNotes,
		ban.Duration.Unit, ban.Duration.Value, ban.IssuedAt, ban.ExpiresAt, ban.Status, ban.IssuedBy)
	if err != nil {
		if isUnique(err, "bans_one_active_per_subject") {
			return enforce.ErrActiveBanExists
		}
		return err
	}
	return tx.Commit()
}

const banColumns = `id, subject_user_id, ban_type, reason, internal_notes,
	duration_unit, duration_value, issued_at, expires_at, status, issued_by`

func scanBan(row interface{ Scan(...any) error }) (enforce.Ban, error) {
	var b enforce.Ban
	var notes sql.NullString
	var expires sql.NullTime
	err := row.Scan(&b.ID, &b.SubjectUserID, &b.Type, &b.Reason, &notes,
		&b.Duration.Unit, &b.Duration.Value, &b.IssuedAt, &expires, &b.Status, &b.IssuedBy)
	if err != nil {
		return enforce.Ban{}, err
	}
	if notes.Valid {
		b.InternalNotes = notes.String
	}
	if expires.Valid {
		t := expires.Time
		b.ExpiresAt = &t
	}
	return b, nil
}

func (s *Store) GetBan(ctx context.Context, id string) (enforce.Ban, error) {
	row := s.db.QueryRowContext(ctx, `select `+banColumns+` from bans where id=$1`, id)
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.Ban{}, enforce.ErrNotFound
	}
	return b, err
}

func (s *Store) LatestBanForSubject(ctx context.Context, subjectID string) (enforce.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+banColumns+` from bans
		where subject_user_id=$1
		order by issued_at desc
		limit 1
	`, subjectID)
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.Ban{}, enforce.ErrNotFound
	}
	return b, err
}

func (s *Store) ActiveBanForSubject(ctx context.Context, subjectID string, now time.Time) (enforce.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+banColumns+` from bans
		where subject_user_id=$2
		  and (`+derivedBanStatus+`) = 'active'
		limit 1
	`, now, subjectID)
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.Ban{}, enforce.ErrNotFound
	}
	return b, err
}

func (s *Store) TransitionBan(ctx context.Context, id string, from, to enforce.BanStatus) error {
	res, err := s.db.ExecContext(ctx, `update bans set status=$3 where id=$1 and status=$2`, id, from, to)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, `select exists(select 1 from bans where id=$1)`, id)
}

// checkTransition maps a zero-row guarded update to the right sentinel: the
// row is either gone (not found) or no longer in the expected status.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, existsQuery, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return enforce.ErrNotFound
	}
	return enforce.ErrConcurrentModification
}

func (s *Store) ListBans(ctx context.Context, f enforce.BanFilter) ([]enforce.Ban, error) {
	now := time.Now().UTC()
	where := []string{}
	args := []any{now}
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("(%s) = $%d", derivedBanStatus, len(args)))
	}
	q := `select ` + banColumns + ` from bans`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, clampedLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by issued_at desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enforce.Ban
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		b.Status = b.DerivedStatus(now)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Appeals ---

func (s *Store) FileAppeal(ctx context.Context, appeal *enforce.Appeal, fromBanStatus enforce.BanStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update bans set status=$3 where id=$1 and status=$2`,
		appeal.BanID, fromBanStatus, enforce.BanAppealed)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from bans where id=$1)`, appeal.BanID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return enforce.ErrNotFound
		}
		return enforce.ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		insert into appeals(id, ban_id, message, decision, filed_at)
		values ($1,$2,$3,$4,$5)
	`, appeal.ID, appeal.BanID, appeal.Message, appeal.Decision, appeal.FiledAt)
	if err != nil {
		// One appeal per ban, ever; the unique index holds even after a
		// rejected appeal returned the ban to active.
		if isUnique(err, "appeals_one_per_ban") {
			return enforce.ErrDuplicateAppeal
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAppeal(ctx context.Context, id string) (enforce.Appeal, error) {
	var a enforce.Appeal
	var response, reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, ban_id, message, decision, reviewer_response, reviewed_by, reviewed_at, filed_at
		from appeals where id=$1
	`, id).Scan(&a.ID, &a.BanID, &a.Message, &a.Decision, &response, &reviewedBy, &reviewedAt, &a.FiledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.Appeal{}, enforce.ErrNotFound
	}
	if err != nil {
		return enforce.Appeal{}, err
	}
	if response.Valid {
		a.ReviewerResponse = response.String
	}
	if reviewedBy.Valid {
		a.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	return a, nil
}

func (s *Store) DecideAppeal(ctx context.Context, id string, decision enforce.AppealDecision, response, reviewedBy string, reviewedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var banID string
	err = tx.QueryRowContext(ctx, `
		update appeals
		set decision=$2, reviewer_response=$3, reviewed_by=$4, reviewed_at=$5
		where id=$1 and decision='pending'
		returning ban_id
	`, id, decision, response, reviewedBy, reviewedAt).Scan(&banID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from appeals where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return enforce.ErrNotFound
		}
		return enforce.ErrConcurrentModification
	}
	if err != nil {
		return err
	}

	// Settle the parent ban only while it is still appealed. A ban already
	// reversed by a direct unban stays reversed; the decision above is still
	// recorded on the appeal.
	target := enforce.BanActive
	if decision == enforce.AppealApproved {
		target = enforce.BanReversed
	}
	if _, err := tx.ExecContext(ctx, `update bans set status=$2 where id=$1 and status='appealed'`, banID, target); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Multi-account links ---

func (s *Store) UpsertLinkEvidence(ctx context.Context, primaryID, linkedID string, evidence []policy.SignalKind, now time.Time) (enforce.MultiAccountLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The pair lookup is orientation-insensitive: a detection reported as
	// (B, A) lands on the case opened for (A, B).
	const selectPair = `
		select id from account_links
		where (primary_user_id=$1 and linked_user_id=$2)
		   or (primary_user_id=$2 and linked_user_id=$1)
		for update`

	var linkID string
	err = tx.QueryRowContext(ctx, selectPair, primaryID, linkedID).Scan(&linkID)
	if errors.Is(err, sql.ErrNoRows) {
		// Two concurrent first detections race here; the unique pair index
		// settles it. The loser's insert is a no-op and the re-select blocks
		// until the winner commits, then joins its row.
		candidate := ids.New()
		res, err := tx.ExecContext(ctx, `
			insert into account_links(id, primary_user_id, linked_user_id, link_type,
				confidence, status, detected_at, updated_at)
			values ($1,$2,$3,'',0,$4,$5,$5)
			on conflict (least(primary_user_id, linked_user_id), greatest(primary_user_id, linked_user_id))
				do nothing
		`, candidate, primaryID, linkedID, enforce.LinkDetected, now)
		if err != nil {
			return enforce.MultiAccountLink{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return enforce.MultiAccountLink{}, err
		} else if n == 1 {
			linkID = candidate
		} else if err := tx.QueryRowContext(ctx, selectPair, primaryID, linkedID).Scan(&linkID); err != nil {
			return enforce.MultiAccountLink{}, err
		}
	} else if err != nil {
		return enforce.MultiAccountLink{}, err
	}

	// Evidence is append-only: known signals are no-ops, so the accumulated
	// set (and therefore the score) never shrinks.
	for _, kind := range evidence {
		if _, err := tx.ExecContext(ctx, `
			insert into link_evidence(link_id, kind, recorded_at)
			values ($1,$2,$3)
			on conflict (link_id, kind) do nothing
		`, linkID, kind, now); err != nil {
			return enforce.MultiAccountLink{}, err
		}
	}

	accumulated, err := linkEvidence(ctx, tx, linkID)
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	confidence, linkType := policy.Score(accumulated)
	if _, err := tx.ExecContext(ctx, `
		update account_links set confidence=$2, link_type=$3, updated_at=$4 where id=$1
	`, linkID, confidence, linkType, now); err != nil {
		return enforce.MultiAccountLink{}, err
	}

	link, err := scanLinkTx(ctx, tx, linkID, accumulated)
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return enforce.MultiAccountLink{}, err
	}
	return link, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func linkEvidence(ctx context.Context, q querier, linkID string) ([]policy.SignalKind, error) {
	rows, err := q.QueryContext(ctx, `select kind from link_evidence where link_id=$1 order by kind`, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.SignalKind
	for rows.Next() {
		var k policy.SignalKind
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

const linkColumns = `id, primary_user_id, linked_user_id, link_type, confidence, status, notes, detected_at, updated_at`

func scanLinkRow(row interface{ Scan(...any) error }) (enforce.MultiAccountLink, error) {
	var l enforce.MultiAccountLink
	var notes sql.NullString
	err := row.Scan(&l.ID, &l.PrimaryUserID, &l.LinkedUserID, &l.LinkType,
		&l.Confidence, &l.Status, &notes, &l.DetectedAt, &l.UpdatedAt)
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	if notes.Valid {
		l.Notes = notes.String
	}
	return l, nil
}

func scanLinkTx(ctx context.Context, q querier, linkID string, evidence []policy.SignalKind) (enforce.MultiAccountLink, error) {
	l, err := scanLinkRow(q.QueryRowContext(ctx, `select `+linkColumns+` from account_links where id=$1`, linkID))
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	l.Evidence = evidence
	return l, nil
}

func (s *Store) GetLink(ctx context.Context, id string) (enforce.MultiAccountLink, error) {
	l, err := scanLinkRow(s.db.QueryRowContext(ctx, `select `+linkColumns+` from account_links where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.MultiAccountLink{}, enforce.ErrNotFound
	}
	if err != nil {
		return enforce.MultiAccountLink{}, err
	}
	l.Evidence, err = linkEvidence(ctx, s.db, id)
	return l, err
}

func (s *Store) ResolveLink(ctx context.Context, id string, from, to enforce.LinkStatus, notes string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update account_links
		set status=$3, notes=coalesce(nullif($4,''), notes), updated_at=$5
		where id=$1 and status=$2
	`, id, from, to, notes, now)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, `select exists(select 1 from account_links where id=$1)`, id)
}

func (s *Store) ListLinks(ctx context.Context, f enforce.LinkFilter) ([]enforce.MultiAccountLink, error) {
	where := []string{}
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("(primary_user_id = $%d or linked_user_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.MinConfidence > 0 {
		args = append(args, f.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	q := `select ` + linkColumns + ` from account_links`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, clampedLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by detected_at desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enforce.MultiAccountLink
	for rows.Next() {
		l, err := scanLinkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Evidence, err = linkEvidence(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Compliance violations ---

func (s *Store) CreateViolation(ctx context.Context, v *enforce.ComplianceViolation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into violations(id, detected_domain, violation_type, severity, status,
			enforcement_action, evidence_description, contact_email, contact_attempts,
			linked_license_id, reported_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11,$12)
	`, v.ID, v.DetectedDomain, v.Type, v.Severity, v.Status, v.Action,
		v.EvidenceDescription, v.ContactEmail, v.ContactAttempts, v.LinkedLicenseID,
		v.ReportedAt, v.UpdatedAt)
	return err
}

const violationColumns = `id, detected_domain, violation_type, severity, status,
	enforcement_action, evidence_description, contact_email, contact_attempts,
	coalesce(linked_license_id,''), reported_at, updated_at`

func scanViolation(row interface{ Scan(...any) error }) (enforce.ComplianceViolation, error) {
	var v enforce.ComplianceViolation
	err := row.Scan(&v.ID, &v.DetectedDomain, &v.Type, &v.Severity, &v.Status,
		&v.Action, &v.EvidenceDescription, &v.ContactEmail, &v.ContactAttempts,
		&v.LinkedLicenseID, &v.ReportedAt, &v.UpdatedAt)
	return v, err
}

func (s *Store) GetViolation(ctx context.Context, id string) (enforce.ComplianceViolation, error) {
	v, err := scanViolation(s.db.QueryRowContext(ctx, `select `+violationColumns+` from violations where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.ComplianceViolation{}, enforce.ErrNotFound
	}
	return v, err
}

func (s *Store) TransitionViolation(ctx context.Context, id string, from, to enforce.ViolationStatus, upd enforce.ViolationUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The license row is created inside the same transaction as the status
	// change, so resolved_licensed either fully applies or not at all.
	if upd.NewLicense != nil {
		if err := insertLicense(ctx, tx, upd.NewLicense); err != nil {
			return err
		}
	}

	action := string(upd.Action)
	contactDelta := 0
	if upd.IncrementContact {
		contactDelta = 1
	}
	res, err := tx.ExecContext(ctx, `
		update violations
		set status=$3,
		    enforcement_action = case when $4 <> '' and $4 <> 'none' then $4 else enforcement_action end,
		    contact_attempts = contact_attempts + $5,
		    linked_license_id = coalesce(nullif($6,''), linked_license_id),
		    updated_at=$7
		where id=$1 and status=$2
	`, id, from, to, action, contactDelta, upd.LinkedLicenseID, upd.Now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from violations where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return enforce.ErrNotFound
		}
		return enforce.ErrConcurrentModification
	}
	return tx.Commit()
}

func (s *Store) ListViolations(ctx context.Context, f enforce.ViolationFilter) ([]enforce.ComplianceViolation, error) {
	where := []string{}
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.Domain != "" {
		args = append(args, f.Domain)
		where = append(where, fmt.Sprintf("detected_domain = $%d", len(args)))
	}
	q := `select ` + violationColumns + ` from violations`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, clampedLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by reported_at desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enforce.ComplianceViolation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Commercial licenses ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLicense(ctx context.Context, e execer, l *enforce.CommercialLicense) error {
	domains, err := json.Marshal(l.AllowedDomains)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		insert into licenses(id, license_key, licensee_name, licensee_email,
			allowed_domains, max_users, status, expires_at, issued_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, l.ID, l.LicenseKey, l.LicenseeName, l.LicenseeEmail, domains, l.MaxUsers, l.Status, l.ExpiresAt, l.IssuedAt)
	return err
}

func (s *Store) CreateLicense(ctx context.Context, l *enforce.CommercialLicense) error {
	return insertLicense(ctx, s.db, l)
}

func (s *Store) GetLicense(ctx context.Context, id string) (enforce.CommercialLicense, error) {
	var l enforce.CommercialLicense
	var domains []byte
	var maxUsers sql.NullInt64
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, license_key, licensee_name, licensee_email, allowed_domains,
			max_users, status, expires_at, issued_at
		from licenses where id=$1
	`, id).Scan(&l.ID, &l.LicenseKey, &l.LicenseeName, &l.LicenseeEmail, &domains,
		&maxUsers, &l.Status, &expires, &l.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.CommercialLicense{}, enforce.ErrNotFound
	}
	if err != nil {
		return enforce.CommercialLicense{}, err
	}
	if err := json.Unmarshal(domains, &l.AllowedDomains); err != nil {
		return enforce.CommercialLicense{}, err
	}
	if maxUsers.Valid {
		n := int(maxUsers.Int64)
		l.MaxUsers = &n
	}
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	return l, nil
}

func (s *Store) TransitionLicense(ctx context.Context, id string, from, to enforce.LicenseStatus) error {
	res, err := s.db.ExecContext(ctx, `update licenses set status=$3 where id=$1 and status=$2`, id, from, to)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, `select exists(select 1 from licenses where id=$1)`, id)
}

// --- Abuse alerts ---

func (s *Store) CreateAlert(ctx context.Context, a *enforce.AbuseAlert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into abuse_alerts(id, user_id, alert_type, severity, status,
			email_sent, metadata, justification, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, a.ID, a.UserID, a.AlertType, a.Severity, a.Status, a.EmailSent, meta, a.Justification, a.CreatedAt, a.UpdatedAt)
	return err
}

const alertColumns = `id, user_id, alert_type, severity, status, email_sent,
	metadata, coalesce(justification,''), created_at, updated_at`

func scanAlert(row interface{ Scan(...any) error }) (enforce.AbuseAlert, error) {
	var a enforce.AbuseAlert
	var meta []byte
	err := row.Scan(&a.ID, &a.UserID, &a.AlertType, &a.Severity, &a.Status,
		&a.EmailSent, &meta, &a.Justification, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return enforce.AbuseAlert{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return enforce.AbuseAlert{}, err
		}
	}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (enforce.AbuseAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `select `+alertColumns+` from abuse_alerts where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return enforce.AbuseAlert{}, enforce.ErrNotFound
	}
	return a, err
}

func (s *Store) TransitionAlert(ctx context.Context, id string, from, to enforce.AlertStatus, justification string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update abuse_alerts
		set status=$3, justification=coalesce(nullif($4,''), justification), updated_at=$5
		where id=$1 and status=$2
	`, id, from, to, justification, now)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, `select exists(select 1 from abuse_alerts where id=$1)`, id)
}

func (s *Store) ListAlerts(ctx context.Context, f enforce.AlertFilter) ([]enforce.AbuseAlert, error) {
	where := []string{}
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	q := `select ` + alertColumns + ` from abuse_alerts`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, clampedLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by created_at desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enforce.AbuseAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *Store) AppendAudit(ctx context.Context, rec *enforce.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into enforcement_audit(id, actor_id, case_family, case_id, from_status, to_status, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.ActorID, rec.Family, rec.CaseID, rec.FromStatus, rec.ToStatus, rec.OccurredAt)
	return err
}

func (s *Store) ListAudit(ctx context.Context, f enforce.AuditFilter) ([]enforce.AuditRecord, error) {
	where := []string{}
	args := []any{}
	if f.CaseID != "" {
		args = append(args, f.CaseID)
		where = append(where, fmt.Sprintf("case_id = $%d", len(args)))
	}
	if f.Family != "" {
		args = append(args, f.Family)
		where = append(where, fmt.Sprintf("case_family = $%d", len(args)))
	}
	q := `select id, actor_id, case_family, case_id, from_status, to_status, occurred_at from enforcement_audit`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, clampedLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by occurred_at asc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enforce.AuditRecord
	for rows.Next() {
		var r enforce.AuditRecord
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Family, &r.CaseID, &r.FromStatus, &r.ToStatus, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Stats ---

func (s *Store) Stats(ctx context.Context, now time.Time) (enforce.Stats, error) {
	stats := enforce.Stats{
		Bans:       make(map[enforce.BanStatus]int),
		Links:      make(map[enforce.LinkStatus]int),
		Violations: make(map[enforce.ViolationStatus]int),
		Alerts:     make(map[enforce.AlertStatus]int),
		Licenses:   make(map[enforce.LicenseStatus]int),
		AsOf:       now,
	}

	if err := countInto(ctx, s.db, `
		select `+derivedBanStatus+` as st, count(*) from bans group by st
	`, []any{now}, func(status string, n int) {
		stats.Bans[enforce.BanStatus(status)] = n
	}); err != nil {
		return enforce.Stats{}, err
	}
	if err := countInto(ctx, s.db, `select status, count(*) from account_links group by status`, nil, func(status string, n int) {
		stats.Links[enforce.LinkStatus(status)] = n
	}); err != nil {
		return enforce.Stats{}, err
	}
	if err := countInto(ctx, s.db, `select status, count(*) from violations group by status`, nil, func(status string, n int) {
		stats.Violations[enforce.ViolationStatus(status)] = n
	}); err != nil {
		return enforce.Stats{}, err
	}
	if err := countInto(ctx, s.db, `select status, count(*) from abuse_alerts group by status`, nil, func(status string, n int) {
		stats.Alerts[enforce.AlertStatus(status)] = n
	}); err != nil {
		return enforce.Stats{}, err
	}
	if err := countInto(ctx, s.db, `
		select case when status = 'active' and expires_at is not null and expires_at <= $1
			then 'expired' else status end as st, count(*)
		from licenses group by st
	`, []any{now}, func(status string, n int) {
		stats.Licenses[enforce.LicenseStatus(status)] = n
	}); err != nil {
		return enforce.Stats{}, err
	}
	return stats, nil
}

func countInto(ctx context.Context, q querier, query string, args []any, add func(status string, n int)) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		add(status, n)
	}
	return rows.Err()
}

func clampedLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
