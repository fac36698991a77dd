package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

func openMemRepo(t *testing.T, dedupe bool) (*Repo, []storage.TableSpec) {
	t.Helper()

	ctx := context.Background()
	r, err := New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	specs := schema.Tables(schema.Options{AutoCreate: true, DedupeFacts: dedupe})
	if err := r.EnsureTables(ctx, specs); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	// Idempotent.
	if err := r.EnsureTables(ctx, specs); err != nil {
		t.Fatalf("EnsureTables (second): %v", err)
	}
	return r.(*Repo), specs
}

func write(t *testing.T, r *Repo, spec storage.TableSpec, values []any) (int64, error) {
	t.Helper()
	var n int64
	err := r.WithTx(context.Background(), func(w storage.RowWriter) error {
		var err error
		n, err = w.WriteRow(context.Background(), spec, spec.ColumnNames(), values)
		return err
	})
	return n, err
}

func TestRepo_SongFirstWriteWins(t *testing.T) {
	r, _ := openMemRepo(t, false)
	spec := schema.SongsSpec(schema.Options{})

	if n, err := write(t, r, spec, schema.Song{SongID: "S1", Title: "First", ArtistID: "A1", Year: 2000, Duration: 1}.Values()); err != nil || n != 1 {
		t.Fatalf("first write n=%d err=%v", n, err)
	}
	if n, err := write(t, r, spec, schema.Song{SongID: "S1", Title: "Second", ArtistID: "A1"}.Values()); err != nil || n != 0 {
		t.Fatalf("second write n=%d err=%v, want 0,nil", n, err)
	}

	var titles []string
	err := r.Snapshot(context.Background(), spec, func(v []any) error {
		titles = append(titles, v[1].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(titles) != 1 || titles[0] != "First" {
		t.Fatalf("titles=%v, want [First]", titles)
	}
}

func TestRepo_UserLastWriteWins(t *testing.T) {
	r, _ := openMemRepo(t, false)
	spec := schema.UsersSpec(schema.Options{})

	if _, err := write(t, r, spec, schema.User{UserID: 8, FirstName: "K", Level: "free"}.Values()); err != nil {
		t.Fatalf("write free: %v", err)
	}
	if _, err := write(t, r, spec, schema.User{UserID: 8, FirstName: "K", Level: "paid"}.Values()); err != nil {
		t.Fatalf("write paid: %v", err)
	}

	var levels []string
	_ = r.Snapshot(context.Background(), spec, func(v []any) error {
		if v[0].(int64) != 8 {
			t.Fatalf("user_id=%v, want 8", v[0])
		}
		levels = append(levels, v[4].(string))
		return nil
	})
	if len(levels) != 1 || levels[0] != "paid" {
		t.Fatalf("levels=%v, want [paid]", levels)
	}
}

func TestRepo_TimeRoundTripsAsTimestamp(t *testing.T) {
	r, _ := openMemRepo(t, false)
	spec := schema.TimeSpec(schema.Options{})
	ts := time.UnixMilli(1541440000000).UTC()

	row := schema.TimeRow{StartTime: ts, Hour: 17, Day: 5, Week: 45, Month: 11, Year: 2018, Weekday: "Monday"}
	if _, err := write(t, r, spec, row.Values()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, err := write(t, r, spec, row.Values()); err != nil || n != 0 {
		t.Fatalf("duplicate time row n=%d err=%v", n, err)
	}

	var got time.Time
	_ = r.Snapshot(context.Background(), spec, func(v []any) error {
		got = v[0].(time.Time)
		return nil
	})
	if !got.Equal(ts) {
		t.Fatalf("start_time=%s, want %s", got, ts)
	}
}

func TestRepo_FactConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate_id_is_conflict", func(t *testing.T) {
		r, _ := openMemRepo(t, true)
		spec := schema.SongplaysSpec(schema.Options{DedupeFacts: true})

		if _, err := write(t, r, spec, fact(1, "h1").Values()); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, err := write(t, r, spec, fact(1, "h2").Values())
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("err=%v, want ErrConflict", err)
		}
	})

	t.Run("duplicate_hash_deduped", func(t *testing.T) {
		r, _ := openMemRepo(t, true)
		spec := schema.SongplaysSpec(schema.Options{DedupeFacts: true})

		if _, err := write(t, r, spec, fact(1, "h1").Values()); err != nil {
			t.Fatalf("write: %v", err)
		}
		n, err := write(t, r, spec, fact(2, "h1").Values())
		if err != nil || n != 0 {
			t.Fatalf("n=%d err=%v, want 0,nil", n, err)
		}
		top, err := r.MaxKey(ctx, schema.Songplays, "songplay_id")
		if err != nil || top != 1 {
			t.Fatalf("MaxKey=%d err=%v, want 1", top, err)
		}
	})

	t.Run("duplicate_hash_without_dedupe_is_conflict", func(t *testing.T) {
		r, _ := openMemRepo(t, false)
		spec := schema.SongplaysSpec(schema.Options{})

		if _, err := write(t, r, spec, fact(1, "h1").Values()); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := write(t, r, spec, fact(2, "h1").Values()); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("err=%v, want ErrConflict", err)
		}
	})
}

func TestRepo_WithTxRollsBackWholeRecord(t *testing.T) {
	r, _ := openMemRepo(t, false)
	users := schema.UsersSpec(schema.Options{})
	facts := schema.SongplaysSpec(schema.Options{})

	if _, err := write(t, r, facts, fact(1, "h1").Values()); err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	err := r.WithTx(context.Background(), func(w storage.RowWriter) error {
		if _, err := w.WriteRow(context.Background(), users, users.ColumnNames(), schema.User{UserID: 99, Level: "free"}.Values()); err != nil {
			return err
		}
		_, err := w.WriteRow(context.Background(), facts, facts.ColumnNames(), fact(1, "h9").Values())
		return err
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}

	count := 0
	_ = r.Snapshot(context.Background(), users, func([]any) error { count++; return nil })
	if count != 0 {
		t.Fatalf("users rows=%d after rollback, want 0", count)
	}
}

func TestRepo_MaxKeyEmpty(t *testing.T) {
	r, _ := openMemRepo(t, false)
	n, err := r.MaxKey(context.Background(), schema.Songplays, "songplay_id")
	if err != nil || n != 0 {
		t.Fatalf("MaxKey=%d err=%v, want 0,nil", n, err)
	}
}

func TestRepo_NullableArtistCoordinates(t *testing.T) {
	r, _ := openMemRepo(t, false)
	spec := schema.ArtistsSpec(schema.Options{})

	if _, err := write(t, r, spec, schema.Artist{ArtistID: "A1", Name: "N"}.Values()); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = r.Snapshot(context.Background(), spec, func(v []any) error {
		if v[3] != nil || v[4] != nil {
			t.Fatalf("lat/long=%v/%v, want nil", v[3], v[4])
		}
		return nil
	})
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

func TestRepo_TimeSnapshotIsChronological(t *testing.T) {
	r, _ := openMemRepo(t, false)
	spec := schema.TimeSpec(schema.Options{})

	// Insert out of order; whole second last.
	for _, ms := range []int64{1541440000001, 1541440001000, 1541440000000} {
		row := schema.TimeRow{StartTime: time.UnixMilli(ms).UTC(), Weekday: "Monday"}
		if _, err := write(t, r, spec, row.Values()); err != nil {
			t.Fatalf("write %d: %v", ms, err)
		}
	}

	var got []int64
	if err := r.Snapshot(context.Background(), spec, func(v []any) error {
		got = append(got, v[0].(time.Time).UnixMilli())
		return nil
	}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := []int64{1541440000000, 1541440000001, 1541440001000}
	if len(got) != len(want) {
		t.Fatalf("rows=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v, want %v", got, want)
		}
	}
}
