// internal/membership/postgres.go
package membership

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"memberportal/internal/eventstore"
)

//go:embed schema.sql
var schema string

const memberColumns = `id, member_no, name, email, phone, org_id, region, status, expires_at, agent_id, year, version, created_at, updated_at`

// PostgresStore is the Store backed by Postgres through database/sql.
type PostgresStore struct {
	db     *sql.DB
	events *eventstore.EventStore
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *sql.DB, events *eventstore.EventStore) *PostgresStore {
	return &PostgresStore{db: db, events: events}
}

// Migrate creates the tables the store needs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply member schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, eventstore.Schema); err != nil {
		return fmt.Errorf("apply event schema: %w", err)
	}
	return nil
}

// NextMemberNo draws the next number of year from an atomic per-year counter.
// Numbers are never handed out twice, even when the member is later deleted.
func (s *PostgresStore) NextMemberNo(ctx context.Context, year int) (string, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO member_sequences (year, last) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last = member_sequences.last + 1
		RETURNING last
	`, year).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next member number: %w", err)
	}
	return NextMemberNoFor(year, seq)
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *Member, account *Account, actorID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO members (id, member_no, name, email, phone, org_id, region, status, agent_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING created_at, updated_at
	`, m.ID, m.MemberNo, m.Name, m.Email, m.Phone, m.OrgID, string(m.Region), string(m.Status), nullUUID(m.AgentID),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapWriteError("insert member", err)
	}
	m.Version = 1

	if account != nil {
		if err := insertAccount(ctx, tx, account); err != nil {
			return err
		}
	}

	ev, err := eventstore.NewEvent(EventMemberRegistered, MemberRegisteredEvent{
		ID:       m.ID,
		MemberNo: m.MemberNo,
		Name:     m.Name,
		Region:   m.Region,
	}, actorMetadata(actorID))
	if err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, m.ID, 0, ev); err != nil {
		return mapWriteError("journal registration", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if err != nil {
		return nil, mapReadError("get member", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMemberByNo(ctx context.Context, memberNo string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE member_no = $1`, memberNo)
	m, err := scanMember(row)
	if err != nil {
		return nil, mapReadError("get member by number", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, filter ListFilter) ([]*Member, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Regions) > 0 {
		args = append(args, pq.Array(regionStrings(filter.Regions)))
		where = append(where, fmt.Sprintf("region = ANY($%d)", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.After != "" {
		args = append(args, filter.After)
		where = append(where, fmt.Sprintf("member_no > $%d", len(args)))
	}

	query := `SELECT ` + memberColumns + ` FROM members`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY member_no ASC LIMIT $%d", len(args))

	return s.queryMembers(ctx, "list members", query, args...)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, change ProfileChange) (*Member, error) {
	m := change.Member
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE members
		SET name = $1, email = $2, phone = $3, org_id = $4, region = $5, agent_id = $6,
		    status = $7, version = version + 1, updated_at = NOW()
		WHERE id = $8 AND version = $9
		RETURNING `+memberColumns,
		m.Name, m.Email, m.Phone, m.OrgID, string(m.Region), nullUUID(m.AgentID), string(m.Status),
		m.ID, change.ExpectedVersion,
	)
	updated, err := scanMember(row)
	if err != nil {
		return nil, s.missingOrConflict(ctx, tx, "update member", m.ID, err)
	}

	ev, err := eventstore.NewEvent(EventProfileUpdated, ProfileUpdatedEvent{ID: m.ID, Fields: change.Fields}, actorMetadata(change.ActorID))
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, tx, m.ID, change.ExpectedVersion, ev); err != nil {
		return nil, mapWriteError("journal profile update", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete member account: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Activate(ctx context.Context, change ActivationChange) (*Member, error) {
	rec := change.Record
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE members
		SET status = $1, expires_at = $2, year = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING `+memberColumns,
		string(change.Status), rec.ExpiresAt, rec.Year, change.MemberID, change.ExpectedVersion,
	)
	updated, err := scanMember(row)
	if err != nil {
		return nil, s.missingOrConflict(ctx, tx, "activate member", change.MemberID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO membership_records (id, member_id, year, status, starts_at, expires_at, invoice_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, change.MemberID, rec.Year, rec.Status, rec.StartsAt, rec.ExpiresAt, nullString(rec.InvoiceID))
	if err != nil {
		return nil, fmt.Errorf("insert membership record: %w", err)
	}

	ev, err := eventstore.NewEvent(EventMembershipActivated, MembershipActivatedEvent{
		ID:        change.MemberID,
		RecordID:  rec.ID,
		Year:      rec.Year,
		ExpiresAt: rec.ExpiresAt,
		InvoiceID: rec.InvoiceID,
	}, actorMetadata(change.ActorID))
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, tx, change.MemberID, change.ExpectedVersion, ev); err != nil {
		return nil, mapWriteError("journal activation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, change RevocationChange) (*Member, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE members
		SET status = $1, expires_at = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
		RETURNING `+memberColumns,
		string(StatusExpired), change.At, change.MemberID, change.ExpectedVersion,
	)
	updated, err := scanMember(row)
	if err != nil {
		return nil, s.missingOrConflict(ctx, tx, "revoke member", change.MemberID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE membership_records SET status = $1
		WHERE member_id = $2 AND status = $3 AND expires_at > $4
	`, recordRevoked, change.MemberID, recordActive, change.At)
	if err != nil {
		return nil, fmt.Errorf("revoke membership records: %w", err)
	}

	ev, err := eventstore.NewEvent(EventMembershipRevoked, MembershipRevokedEvent{ID: change.MemberID, RevokedAt: change.At}, actorMetadata(change.ActorID))
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, tx, change.MemberID, change.ExpectedVersion, ev); err != nil {
		return nil, mapWriteError("journal revocation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

// MarkExpired rewrites stale cached statuses. It corrects a cache only, so it
// neither bumps versions nor journals.
func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at <= $3
	`, string(StatusExpired), string(StatusActive), now)
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	return s.events.Load(ctx, s.db, id)
}

func (s *PostgresStore) ListMembersForExport(ctx context.Context, limit int) ([]*Member, error) {
	return s.queryMembers(ctx, "list members for export",
		`SELECT `+memberColumns+` FROM members ORDER BY member_no ASC LIMIT $1`, limit)
}

func (s *PostgresStore) ActiveMemberIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT member_id
		FROM membership_records
		WHERE status = $1 AND expires_at > $2
		LIMIT $3
	`, recordActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query active members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active members: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	return insertAccount(ctx, s.db, account)
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var (
		a       Account
		role    string
		regions []string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, allowed_regions, password_hash, salt, created_at
		FROM accounts
		WHERE email = $1
	`, email).Scan(&a.ID, &a.Email, &role, pq.Array(&regions), &a.PasswordHash, &a.Salt, &a.CreatedAt)
	if err != nil {
		return nil, mapReadError("get account", err)
	}
	a.Role = Role(role)
	for _, r := range regions {
		a.AllowedRegions = append(a.AllowedRegions, Region(r))
	}
	return &a, nil
}

func (s *PostgresStore) queryMembers(ctx context.Context, op, query string, args ...any) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return members, nil
}

// missingOrConflict tells apart a guarded UPDATE that matched nothing because
// the row is gone from one that lost a version race.
func (s *PostgresStore) missingOrConflict(ctx context.Context, tx *sql.Tx, op string, id uuid.UUID, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: check existence: %w", op, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		m         Member
		region    string
		status    string
		expiresAt sql.NullTime
		agentID   uuid.NullUUID
		year      sql.NullInt64
	)
	err := row.Scan(
		&m.ID,
		&m.MemberNo,
		&m.Name,
		&m.Email,
		&m.Phone,
		&m.OrgID,
		&region,
		&status,
		&expiresAt,
		&agentID,
		&year,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Region = Region(region)
	m.Status = Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		m.ExpiresAt = &t
	}
	if agentID.Valid {
		id := agentID.UUID
		m.AgentID = &id
	}
	if year.Valid {
		y := int(year.Int64)
		m.Year = &y
	}
	return &m, nil
}

func insertAccount(ctx context.Context, q eventstore.Querier, a *Account) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO accounts (id, email, role, allowed_regions, password_hash, salt)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, a.ID, a.Email, string(a.Role), pq.Array(regionStrings(a.AllowedRegions)), a.PasswordHash, a.Salt).Scan(&a.CreatedAt)
	if err != nil {
		return mapWriteError("insert account", err)
	}
	return nil
}

func mapReadError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mapWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return wrapError(CodeConflict, op+": duplicate", err)
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return wrapError(CodeConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func actorMetadata(actorID uuid.UUID) map[string]string {
	if actorID == uuid.Nil {
		return nil
	}
	return map[string]string{"actor": actorID.String()}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func regionStrings(regions []Region) []string {
	out := make([]string, len(regions))
	for i, r := range regions {
		out[i] = string(r)
	}
	return out
}
