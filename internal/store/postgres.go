package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrDuplicateEmail = errors.New("admin email already exists")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ContentTx is the set of writes that must happen atomically when a draft is
// published or a version is rolled back.
type ContentTx interface {
	LockDraft(ctx context.Context, draftID string) (Draft, error)
	LockContent(ctx context.Context, key string) (ContentRecord, error)
	UpsertContent(ctx context.Context, record ContentRecord) error
	InsertVersion(ctx context.Context, version Version) error
	DeleteDraft(ctx context.Context, draftID string) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing only when fn returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ContentTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockDraft(ctx context.Context, draftID string) (Draft, error) {
	return scanDraft(t.tx.QueryRowContext(ctx, selectDraft+` WHERE id=$1 FOR UPDATE`, draftID))
}

func (t *pgTx) LockContent(ctx context.Context, key string) (ContentRecord, error) {
	return scanContent(t.tx.QueryRowContext(ctx, selectContent+` WHERE content_key=$1 FOR UPDATE`, key))
}

func (t *pgTx) UpsertContent(ctx context.Context, record ContentRecord) error {
	return upsertContent(ctx, t.tx, record)
}

func (t *pgTx) InsertVersion(ctx context.Context, version Version) error {
	return insertVersion(ctx, t.tx, version)
}

func (t *pgTx) DeleteDraft(ctx context.Context, draftID string) (bool, error) {
	return deleteDraft(ctx, t.tx, draftID)
}

// Content

const selectContent = `SELECT content_key, content_type, content, page, section, updated_by, updated_at FROM content_records`

func scanContent(row rowScanner) (ContentRecord, error) {
	var record ContentRecord
	var raw []byte
	if err := row.Scan(&record.Key, &record.Type, &raw, &record.Page, &record.Section, &record.UpdatedBy, &record.UpdatedAt); err != nil {
		return ContentRecord{}, err
	}
	if err := decodeValue(raw, &record.Value); err != nil {
		return ContentRecord{}, fmt.Errorf("decode content %s: %w", record.Key, err)
	}
	return record, nil
}

func (s *PostgresStore) GetContent(ctx context.Context, key string) (ContentRecord, error) {
	return scanContent(s.db.QueryRowContext(ctx, selectContent+` WHERE content_key=$1`, key))
}

// ListContent returns published records, optionally narrowed to one page.
func (s *PostgresStore) ListContent(ctx context.Context, page string) ([]ContentRecord, error) {
	query := selectContent
	args := []any{}
	if page != "" {
		query += ` WHERE page=$1`
		args = append(args, page)
	}
	query += ` ORDER BY page, section, content_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	var items []ContentRecord
	for rows.Next() {
		record, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertContent(ctx context.Context, record ContentRecord) error {
	return upsertContent(ctx, s.db, record)
}

func upsertContent(ctx context.Context, q queryer, record ContentRecord) error {
	raw, err := json.Marshal(record.Value)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO content_records (content_key, content_type, content, page, section, updated_by, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (content_key) DO UPDATE SET
			content_type=EXCLUDED.content_type,
			content=EXCLUDED.content,
			page=EXCLUDED.page,
			section=EXCLUDED.section,
			updated_by=EXCLUDED.updated_by,
			updated_at=EXCLUDED.updated_at
	`, record.Key, record.Type, string(raw), record.Page, record.Section, record.UpdatedBy, stamp(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert content %s: %w", record.Key, err)
	}
	return nil
}

// stamp uses the caller's clock so the stored time matches what the content
// service returns and hands to listeners.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// InsertContentIfMissing seeds a record and reports whether a row was written.
func (s *PostgresStore) InsertContentIfMissing(ctx context.Context, record ContentRecord) (bool, error) {
	raw, err := json.Marshal(record.Value)
	if err != nil {
		return false, fmt.Errorf("encode content: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO content_records (content_key, content_type, content, page, section, updated_by, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (content_key) DO NOTHING
	`, record.Key, record.Type, string(raw), record.Page, record.Section, record.UpdatedBy, stamp(record.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("seed content %s: %w", record.Key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Drafts

const selectDraft = `SELECT id, content_key, draft_type, content, created_by, created_at, expires_at, preview_token FROM drafts`

func scanDraft(row rowScanner) (Draft, error) {
	var draft Draft
	var raw []byte
	if err := row.Scan(&draft.ID, &draft.ContentKey, &draft.Type, &raw, &draft.CreatedBy, &draft.CreatedAt, &draft.ExpiresAt, &draft.PreviewToken); err != nil {
		return Draft{}, err
	}
	if err := decodeValue(raw, &draft.Value); err != nil {
		return Draft{}, fmt.Errorf("decode draft %s: %w", draft.ID, err)
	}
	return draft, nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	return scanDraft(s.db.QueryRowContext(ctx, selectDraft+` WHERE id=$1`, draftID))
}

func (s *PostgresStore) GetDraftByPreviewToken(ctx context.Context, token string) (Draft, error) {
	return scanDraft(s.db.QueryRowContext(ctx, selectDraft+` WHERE preview_token=$1`, token))
}

// UpsertDraft writes the single pending draft for a content key, replacing any
// draft already staged for it.
func (s *PostgresStore) UpsertDraft(ctx context.Context, draft Draft) (Draft, error) {
	raw, err := json.Marshal(draft.Value)
	if err != nil {
		return Draft{}, fmt.Errorf("encode draft: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO drafts (id, content_key, draft_type, content, created_by, created_at, expires_at, preview_token)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		ON CONFLICT (content_key) DO UPDATE SET
			id=EXCLUDED.id,
			draft_type=EXCLUDED.draft_type,
			content=EXCLUDED.content,
			created_by=EXCLUDED.created_by,
			created_at=EXCLUDED.created_at,
			expires_at=EXCLUDED.expires_at,
			preview_token=EXCLUDED.preview_token
		RETURNING id, content_key, draft_type, content, created_by, created_at, expires_at, preview_token
	`, draft.ID, draft.ContentKey, draft.Type, string(raw), draft.CreatedBy, draft.CreatedAt, draft.ExpiresAt, draft.PreviewToken)
	saved, err := scanDraft(row)
	if err != nil {
		return Draft{}, fmt.Errorf("upsert draft %s: %w", draft.ContentKey, err)
	}
	return saved, nil
}

func (s *PostgresStore) DeleteDraft(ctx context.Context, draftID string) (bool, error) {
	return deleteDraft(ctx, s.db, draftID)
}

func deleteDraft(ctx context.Context, q queryer, draftID string) (bool, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM drafts WHERE id=$1`, draftID)
	if err != nil {
		return false, fmt.Errorf("delete draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDrafts(ctx context.Context) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, selectDraft+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var items []Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		items = append(items, draft)
	}
	return items, rows.Err()
}

func (s *PostgresStore) PurgeExpiredDrafts(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired drafts: %w", err)
	}
	return result.RowsAffected()
}

// Version history

const selectVersion = `SELECT id, content_key, content_type, content, reason, draft_id, source_version_id, changed_by, changed_at FROM version_history`

func scanVersion(row rowScanner) (Version, error) {
	var version Version
	var raw []byte
	var draftID, sourceID sql.NullString
	if err := row.Scan(&version.ID, &version.ContentKey, &version.ContentType, &raw, &version.Reason, &draftID, &sourceID, &version.ChangedBy, &version.ChangedAt); err != nil {
		return Version{}, err
	}
	if draftID.Valid {
		version.DraftID = &draftID.String
	}
	if sourceID.Valid {
		version.SourceVersionID = &sourceID.String
	}
	if err := decodeValue(raw, &version.Value); err != nil {
		return Version{}, fmt.Errorf("decode version %s: %w", version.ID, err)
	}
	return version, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, version Version) error {
	return insertVersion(ctx, s.db, version)
}

func insertVersion(ctx context.Context, q queryer, version Version) error {
	raw, err := json.Marshal(version.Value)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO version_history (id, content_key, content_type, content, reason, draft_id, source_version_id, changed_by, changed_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
	`, version.ID, version.ContentKey, version.ContentType, string(raw), version.Reason, version.DraftID, version.SourceVersionID, version.ChangedBy, version.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return scanVersion(s.db.QueryRowContext(ctx, selectVersion+` WHERE id=$1`, versionID))
}

func (s *PostgresStore) ListVersions(ctx context.Context, key string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectVersion+` WHERE content_key=$1 ORDER BY changed_at DESC LIMIT $2`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var items []Version
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, version)
	}
	return items, rows.Err()
}

// Admin users

const selectAdmin = `SELECT id, email, display_name, password_hash, role, deactivated_at, created_at, updated_at FROM admin_users`

func scanAdmin(row rowScanner) (AdminUser, error) {
	var user AdminUser
	var deactivated sql.NullTime
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &deactivated, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return AdminUser{}, err
	}
	if deactivated.Valid {
		user.DeactivatedAt = &deactivated.Time
	}
	return user, nil
}

func (s *PostgresStore) CreateAdminUser(ctx context.Context, user AdminUser) (AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO admin_users (id, email, display_name, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4, $5)
		RETURNING id, email, display_name, password_hash, role, deactivated_at, created_at, updated_at
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	created, err := scanAdmin(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return AdminUser{}, ErrDuplicateEmail
		}
		return AdminUser{}, fmt.Errorf("insert admin user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetAdminUserByEmail(ctx context.Context, email string) (AdminUser, error) {
	return scanAdmin(s.db.QueryRowContext(ctx, selectAdmin+` WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) GetAdminUserByID(ctx context.Context, userID string) (AdminUser, error) {
	return scanAdmin(s.db.QueryRowContext(ctx, selectAdmin+` WHERE id=$1`, userID))
}

func (s *PostgresStore) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	rows, err := s.db.QueryContext(ctx, selectAdmin+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list admin users: %w", err)
	}
	defer rows.Close()

	var items []AdminUser
	for rows.Next() {
		user, err := scanAdmin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateAdminPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAdminRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update admin role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateAdminUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_users SET deactivated_at=NOW(), updated_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("deactivate admin user: %w", err)
	}
	return nil
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.password_hash, u.role, u.deactivated_at, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN admin_users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`, tokenHash)
	return scanAdmin(row)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

func decodeValue(raw []byte, dst *Value) error {
	if len(raw) == 0 {
		*dst = Value{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}
