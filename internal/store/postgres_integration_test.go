package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, Pool{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE drafts, content_records, version_history`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestVersionHistoryRejectsUpdate(t *testing.T) {
	s, ctx := openTestStore(t)

	id := uuid.NewString()
	err := s.InsertVersion(ctx, Version{
		ID:          id,
		ContentKey:  "home.hero.title",
		ContentType: TypeText,
		Value:       Value{Text: "Play ball"},
		Reason:      ReasonPublish,
		ChangedBy:   "coach@league.org",
		ChangedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert version: %v", err)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE version_history SET changed_by='someone' WHERE id=$1`, id)
	assertImmutable(t, err, "version_history is immutable; UPDATE is not allowed")

	_, err = s.DB().ExecContext(ctx, `DELETE FROM version_history WHERE id=$1`, id)
	assertImmutable(t, err, "version_history is immutable; DELETE is not allowed")
}

func assertImmutable(t *testing.T, err error, message string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected mutation to be blocked, but it succeeded")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}
	if pgErr.Message != message {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

func TestUpsertDraftReplacesPendingDraftForKey(t *testing.T) {
	s, ctx := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	first, err := s.UpsertDraft(ctx, Draft{
		ID: uuid.NewString(), ContentKey: "home.hero.title", Type: TypeText,
		Value: Value{Text: "one"}, CreatedBy: "a", CreatedAt: now, ExpiresAt: now.Add(time.Hour), PreviewToken: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("first draft: %v", err)
	}
	second, err := s.UpsertDraft(ctx, Draft{
		ID: uuid.NewString(), ContentKey: "home.hero.title", Type: TypeText,
		Value: Value{Text: "two"}, CreatedBy: "b", CreatedAt: now, ExpiresAt: now.Add(time.Hour), PreviewToken: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("second draft: %v", err)
	}

	drafts, err := s.ListDrafts(ctx)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != second.ID || drafts[0].Value.Text != "two" {
		t.Fatalf("expected only the replacement draft, got %+v", drafts)
	}
	if _, err := s.GetDraft(ctx, first.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected replaced draft to be gone, got %v", err)
	}
}

func TestPurgeExpiredDrafts(t *testing.T) {
	s, ctx := openTestStore(t)
	now := time.Now().UTC()

	for i, expires := range []time.Time{now.Add(-time.Minute), now.Add(time.Hour)} {
		_, err := s.UpsertDraft(ctx, Draft{
			ID: uuid.NewString(), ContentKey: []string{"a.b.c", "d.e.f"}[i], Type: TypeText,
			Value: Value{Text: "x"}, CreatedBy: "a", CreatedAt: now, ExpiresAt: expires, PreviewToken: uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("draft %d: %v", i, err)
		}
	}

	purged, err := s.PurgeExpiredDrafts(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged draft, got %d", purged)
	}
}

func TestUpsertContentKeepsCallerTimestamp(t *testing.T) {
	s, ctx := openTestStore(t)
	published := time.Date(2026, 3, 14, 18, 30, 0, 123456000, time.UTC)

	record := ContentRecord{
		Key: "home.hero.title", Type: TypeText, Value: Value{Text: "Opening day"},
		Page: "home", Section: "hero", UpdatedBy: "usr_editor", UpdatedAt: published,
	}
	if err := s.UpsertContent(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	record.UpdatedAt = published.Add(time.Hour)
	if err := s.UpsertContent(ctx, record); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetContent(ctx, "home.hero.title")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if !got.UpdatedAt.Equal(published.Add(time.Hour)) {
		t.Fatalf("expected stored updated_at %v, got %v", published.Add(time.Hour), got.UpdatedAt)
	}
}

func TestStampFallsBackToNow(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("EST", -5*3600))
	if got := stamp(fixed); !got.Equal(fixed) || got.Location() != time.UTC {
		t.Fatalf("stamp(%v) = %v", fixed, got)
	}
	before := time.Now()
	if got := stamp(time.Time{}); got.Before(before) {
		t.Fatalf("zero time should become now, got %v", got)
	}
}
