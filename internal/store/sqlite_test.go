package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testDraft() Draft {
	return Draft{
		Content:     "Launch!",
		ScheduledAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		Replies:     []string{"first", "second", "third"},
	}
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, testDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	p, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("new post status = %q, want pending", p.Status)
	}
	if p.Attempts != 0 {
		t.Fatalf("new post attempts = %d, want 0", p.Attempts)
	}
	if !p.ScheduledAt.Equal(testDraft().ScheduledAt) {
		t.Fatalf("scheduled_at = %v, want %v", p.ScheduledAt, testDraft().ScheduledAt)
	}
	if len(p.Replies) != 3 || p.Replies[0] != "first" || p.Replies[2] != "third" {
		t.Fatalf("replies out of order: %v", p.Replies)
	}
}

func TestCreateRejectsInvalidDrafts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.Create(ctx, Draft{ScheduledAt: time.Now()})
	if !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("empty draft: got %v, want ErrInvalidDraft", err)
	}

	_, err = st.Create(ctx, Draft{Content: "text"})
	if !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("no time: got %v, want ErrInvalidDraft", err)
	}

	// Media-only posts are valid.
	if _, err := st.Create(ctx, Draft{Media: "file-id", ScheduledAt: time.Now()}); err != nil {
		t.Fatalf("media-only draft: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, testDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := st.MarkSent(ctx, id); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	// Sent is terminal; a second transition must not pass.
	if err := st.MarkSent(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second MarkSent: got %v, want ErrInvalidState", err)
	}
	if err := st.MarkFailed(ctx, id, "boom"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MarkFailed after sent: got %v, want ErrInvalidState", err)
	}

	p, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusSent || p.FailReason != "" {
		t.Fatalf("post mutated after terminal state: %+v", p)
	}

	if err := st.MarkSent(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkSent missing: got %v, want ErrNotFound", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, testDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.MarkFailed(ctx, id, "attempts exhausted"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	p, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", p.Status)
	}
	if p.FailReason != "attempts exhausted" {
		t.Fatalf("fail_reason = %q", p.FailReason)
	}
}

func TestIncrementAttemptPersists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, testDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := st.IncrementAttempt(ctx, id)
		if err != nil {
			t.Fatalf("IncrementAttempt: %v", err)
		}
		if got != want {
			t.Fatalf("attempt = %d, want %d", got, want)
		}
	}

	p, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Attempts != 3 {
		t.Fatalf("stored attempts = %d, want 3", p.Attempts)
	}

	if _, err := st.IncrementAttempt(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListPendingSkipsFinalized(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	mk := func(offset time.Duration) int64 {
		d := testDraft()
		d.ScheduledAt = base.Add(offset)
		id, err := st.Create(ctx, d)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		return id
	}

	late := mk(2 * time.Hour)
	early := mk(0)
	sent := mk(time.Hour)
	if err := st.MarkSent(ctx, sent); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	posts, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d pending posts, want 2", len(posts))
	}
	// Ordered by scheduled time.
	if posts[0].ID != early || posts[1].ID != late {
		t.Fatalf("order = [%d %d], want [%d %d]", posts[0].ID, posts[1].ID, early, late)
	}
	if len(posts[0].Replies) != 3 {
		t.Fatalf("pending post missing replies: %v", posts[0].Replies)
	}
}

// Reply sets must land on their own posts and keep position order, and a
// finalized post's replies must not bleed into the pending list.
func TestListPendingAttachesRepliesPerPost(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	mk := func(offset time.Duration, replies []string) int64 {
		id, err := st.Create(ctx, Draft{
			Content:     "post",
			ScheduledAt: base.Add(offset),
			Replies:     replies,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		return id
	}

	withReplies := mk(0, []string{"a0", "a1"})
	bare := mk(time.Hour, nil)
	sent := mk(2*time.Hour, []string{"gone"})
	if err := st.MarkSent(ctx, sent); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	posts, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d pending posts, want 2", len(posts))
	}
	if posts[0].ID != withReplies || len(posts[0].Replies) != 2 ||
		posts[0].Replies[0] != "a0" || posts[0].Replies[1] != "a1" {
		t.Fatalf("post %d replies = %v, want [a0 a1]", posts[0].ID, posts[0].Replies)
	}
	if posts[1].ID != bare || len(posts[1].Replies) != 0 {
		t.Fatalf("post %d replies = %v, want none", posts[1].ID, posts[1].Replies)
	}
}

// Reopening the database preserves pending posts and their replies; this is
// what restart recovery reads.
func TestReopenKeepsPosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "posts.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := st.Create(ctx, testDraft())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.IncrementAttempt(ctx, id); err != nil {
		t.Fatalf("IncrementAttempt: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	p, err := st2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if p.Status != StatusPending || p.Attempts != 1 || len(p.Replies) != 3 {
		t.Fatalf("post not preserved: %+v", p)
	}
}
