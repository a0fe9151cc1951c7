package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed store, creating the database file and
// schema when missing.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes per-post mutations for free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, d Draft) (int64, error) {
	if strings.TrimSpace(d.Content) == "" && strings.TrimSpace(d.Media) == "" {
		return 0, fmt.Errorf("%w: neither content nor media", ErrInvalidDraft)
	}
	if d.ScheduledAt.IsZero() {
		return 0, fmt.Errorf("%w: no scheduled time", ErrInvalidDraft)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO posts(content, media, scheduled_at, status, attempts, created_at, updated_at)
		 VALUES(?,?,?,?,0,?,?)`,
		nullStr(d.Content), nullStr(d.Media),
		d.ScheduledAt.UTC().Format(time.RFC3339Nano), StatusPending, now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, body := range d.Replies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_replies(post_id, position, body) VALUES(?,?,?)`,
			id, i, body,
		); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Post, error) {
	p, err := s.getPost(ctx, id)
	if err != nil {
		return Post{}, err
	}
	p.Replies, err = s.getReplies(ctx, id)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

const postColumns = `id, content, media, scheduled_at, status, attempts, fail_reason, created_at, updated_at`

func (s *sqliteStore) getPost(ctx context.Context, id int64) (Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

// scanPost decodes one posts row in postColumns order.
func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var (
		p                    Post
		content, media, fail sql.NullString
		schedAt, crAt, upAt  string
	)
	err := row.Scan(&p.ID, &content, &media, &schedAt, &p.Status, &p.Attempts, &fail, &crAt, &upAt)
	if err != nil {
		return Post{}, err
	}
	p.Content = content.String
	p.Media = media.String
	p.FailReason = fail.String
	if p.ScheduledAt, err = parseTime("scheduled_at", schedAt); err != nil {
		return Post{}, err
	}
	if p.CreatedAt, err = parseTime("created_at", crAt); err != nil {
		return Post{}, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", upAt); err != nil {
		return Post{}, err
	}
	return p, nil
}

func (s *sqliteStore) getReplies(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM post_replies WHERE post_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		replies = append(replies, body)
	}
	return replies, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) error {
	return s.finalize(ctx, id, StatusSent, "")
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.finalize(ctx, id, StatusFailed, reason)
}

// finalize performs the guarded pending -> terminal transition. The WHERE
// clause carries the guard, so a lost race surfaces as zero affected rows.
func (s *sqliteStore) finalize(ctx context.Context, id int64, to Status, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, fail_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, nullStr(reason), now, id, StatusPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.getPost(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	s.log.Debug("post finalized", logx.Int64("post", id), logx.String("status", string(to)))
	return nil
}

func (s *sqliteStore) IncrementAttempt(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE posts SET attempts = attempts + 1, updated_at = ?
		 WHERE id = ? RETURNING attempts`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ? ORDER BY scheduled_at ASC`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}

	replies, err := s.pendingReplies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range posts {
		posts[i].Replies = replies[posts[i].ID]
	}
	return posts, nil
}

// pendingReplies fetches the reply bodies of every pending post in one
// query, keyed by post and ordered by position.
func (s *sqliteStore) pendingReplies(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.post_id, r.body
		 FROM post_replies r JOIN posts p ON p.id = r.post_id
		 WHERE p.status = ?
		 ORDER BY r.post_id ASC, r.position ASC`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]string{}
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out[id] = append(out[id], body)
	}
	return out, rows.Err()
}

func parseTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt %s %q: %w", field, raw, err)
	}
	return t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
