package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

func newRepo(t *testing.T, dedupe bool) *Repo {
	t.Helper()
	r := NewRepo()
	if err := r.EnsureTables(context.Background(), schema.Tables(schema.Options{DedupeFacts: dedupe})); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return r
}

func writeOne(r *Repo, spec storage.TableSpec, values []any) (int64, error) {
	var n int64
	err := r.WithTx(context.Background(), func(w storage.RowWriter) error {
		var err error
		n, err = w.WriteRow(context.Background(), spec, spec.ColumnNames(), values)
		return err
	})
	return n, err
}

func TestWriteRow_Policies(t *testing.T) {
	t.Parallel()

	r := newRepo(t, true)
	songs := schema.SongsSpec(schema.Options{})
	users := schema.UsersSpec(schema.Options{})
	facts := schema.SongplaysSpec(schema.Options{DedupeFacts: true})

	steps := []struct {
		name    string
		spec    storage.TableSpec
		values  []any
		wantN   int64
		wantErr error
	}{
		{"song_insert", songs, schema.Song{SongID: "S1", Title: "A"}.Values(), 1, nil},
		{"song_first_write_wins", songs, schema.Song{SongID: "S1", Title: "B"}.Values(), 0, nil},
		{"user_insert", users, schema.User{UserID: 8, Level: "free"}.Values(), 1, nil},
		{"user_overwrite", users, schema.User{UserID: int64(8), Level: "paid"}.Values(), 1, nil},
		{"fact_insert", facts, fact(1, "h1").Values(), 1, nil},
		{"fact_dedupe_hash", facts, fact(2, "h1").Values(), 0, nil},
		{"fact_duplicate_id", facts, fact(1, "h2").Values(), 0, storage.ErrConflict},
	}
	for _, s := range steps {
		n, err := writeOne(r, s.spec, s.values)
		if s.wantErr != nil {
			if !errors.Is(err, s.wantErr) {
				t.Fatalf("%s: err=%v, want %v", s.name, err, s.wantErr)
			}
			continue
		}
		if err != nil || n != s.wantN {
			t.Fatalf("%s: n=%d err=%v, want %d", s.name, n, err, s.wantN)
		}
	}

	var title, level string
	_ = r.Snapshot(context.Background(), songs, func(v []any) error { title = v[1].(string); return nil })
	_ = r.Snapshot(context.Background(), users, func(v []any) error { level = v[4].(string); return nil })
	if title != "A" || level != "paid" {
		t.Fatalf("title=%q level=%q, want A/paid", title, level)
	}
	if r.Len(schema.Songplays) != 1 {
		t.Fatalf("songplays=%d, want 1", r.Len(schema.Songplays))
	}
}

func TestWithTx_RollbackUndoesInsertsAndUpdates(t *testing.T) {
	t.Parallel()

	r := newRepo(t, false)
	users := schema.UsersSpec(schema.Options{})
	facts := schema.SongplaysSpec(schema.Options{})

	if _, err := writeOne(r, users, schema.User{UserID: 8, Level: "free"}.Values()); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := writeOne(r, facts, fact(1, "h1").Values()); err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	err := r.WithTx(context.Background(), func(w storage.RowWriter) error {
		if _, err := w.WriteRow(context.Background(), users, users.ColumnNames(), schema.User{UserID: 8, Level: "paid"}.Values()); err != nil {
			return err
		}
		if _, err := w.WriteRow(context.Background(), users, users.ColumnNames(), schema.User{UserID: 9, Level: "paid"}.Values()); err != nil {
			return err
		}
		_, err := w.WriteRow(context.Background(), facts, facts.ColumnNames(), fact(1, "h2").Values())
		return err
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}

	if r.Len(schema.Users) != 1 {
		t.Fatalf("users=%d after rollback, want 1", r.Len(schema.Users))
	}
	_ = r.Snapshot(context.Background(), users, func(v []any) error {
		if v[4] != "free" {
			t.Fatalf("level=%v after rollback, want free", v[4])
		}
		return nil
	})

	// The rolled-back user 9 key must be free again.
	if n, err := writeOne(r, users, schema.User{UserID: 9, Level: "free"}.Values()); err != nil || n != 1 {
		t.Fatalf("reinsert n=%d err=%v", n, err)
	}
}

func TestWriteRow_NullsNeverCollide(t *testing.T) {
	t.Parallel()

	r := NewRepo()
	spec := storage.TableSpec{
		Name:        "t",
		Columns:     []storage.ColumnSpec{{Name: "a", Type: storage.TypeKey}},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"a"}}},
	}
	_ = r.EnsureTables(context.Background(), []storage.TableSpec{spec})
	for i := 0; i < 3; i++ {
		if _, err := writeOne(r, spec, []any{nil}); err != nil {
			t.Fatalf("null insert %d: %v", i, err)
		}
	}
	if _, err := writeOne(r, spec, []any{"x"}); err != nil {
		t.Fatalf("insert x: %v", err)
	}
	if _, err := writeOne(r, spec, []any{"x"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
}

func TestSnapshotOrderAndMaxKey(t *testing.T) {
	t.Parallel()

	r := newRepo(t, false)
	facts := schema.SongplaysSpec(schema.Options{})
	for _, id := range []int64{10, 2, 33} {
		if _, err := writeOne(r, facts, fact(id, fmt.Sprintf("h%d", id)).Values()); err != nil {
			t.Fatalf("write %d: %v", id, err)
		}
	}

	var ids []int64
	_ = r.Snapshot(context.Background(), facts, func(v []any) error {
		ids = append(ids, v[0].(int64))
		return nil
	})
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 10 || ids[2] != 33 {
		t.Fatalf("ids=%v, want [2 10 33]", ids)
	}
	top, err := r.MaxKey(context.Background(), schema.Songplays, "songplay_id")
	if err != nil || top != 33 {
		t.Fatalf("MaxKey=%d err=%v, want 33", top, err)
	}
}

func TestWithTx_ConcurrentWritersSerialize(t *testing.T) {
	t.Parallel()

	r := newRepo(t, false)
	tm := schema.TimeSpec(schema.Options{})
	ts := time.UnixMilli(1541440000000).UTC()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := writeOne(r, tm, schema.TimeRow{StartTime: ts, Weekday: "Monday"}.Values())
			if err != nil {
				t.Errorf("write: %v", err)
			}
			mu.Lock()
			inserted += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if inserted != 1 || r.Len(schema.Time) != 1 {
		t.Fatalf("inserted=%d rows=%d, want 1/1", inserted, r.Len(schema.Time))
	}
}

func TestClosedRepoIsUnavailable(t *testing.T) {
	t.Parallel()

	r := newRepo(t, false)
	r.Close()
	_, err := writeOne(r, schema.SongsSpec(schema.Options{}), schema.Song{SongID: "S"}.Values())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
}

func fact(id int64, hash string) schema.Songplay {
	return schema.Songplay{
		SongplayID: id,
		StartTime:  time.UnixMilli(1541440000000).UTC(),
		UserID:     8,
		Level:      "free",
		SessionID:  139,
		RowHash:    hash,
	}
}
