package source

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sparkify/internal/record"
)

func collect(t *testing.T, s Source) []Record {
	t.Helper()

	out := make(chan Record, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Stream(context.Background(), out)
		close(out)
	}()

	var got []Record
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return got
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDir_WalksSortedAndSkipsHidden(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "B/b.json", `{"song_id":"S2"}`+"\n")
	writeFile(t, dir, "A/A/a.json", `{"song_id":"S1"}`)
	writeFile(t, dir, ".ipynb_checkpoints/a-checkpoint.json", `{"song_id":"dup"}`)
	writeFile(t, dir, "A/readme.txt", `not json`)

	got := collect(t, NewDir(dir))
	if len(got) != 2 {
		t.Fatalf("records=%d, want 2 (%+v)", len(got), got)
	}
	if got[0].Raw["song_id"] != "S1" || got[1].Raw["song_id"] != "S2" {
		t.Fatalf("order=%v,%v, want S1,S2", got[0].Raw["song_id"], got[1].Raw["song_id"])
	}
	if got[0].Seq != 0 || got[1].Seq != 1 {
		t.Fatalf("seq=%d,%d, want 0,1", got[0].Seq, got[1].Seq)
	}
}

func TestDir_JSONLinesKeepsGoingPastBadLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "events.json",
		`{"userId":"8","ts":1541440000000}`+"\n"+
			"\n"+
			`{"userId": oops}`+"\n"+
			`[1,2]`+"\n"+
			`{"userId":"9","ts":1541440000001}`+"\n")

	got := collect(t, NewDir(path))
	if len(got) != 4 {
		t.Fatalf("records=%d, want 4", len(got))
	}

	tests := []struct {
		line    int
		wantErr bool
	}{
		{1, false},
		{3, true},
		{4, true},
		{5, false},
	}
	for i, tt := range tests {
		r := got[i]
		if r.Line != tt.line {
			t.Fatalf("record %d line=%d, want %d", i, r.Line, tt.line)
		}
		if tt.wantErr {
			if !errors.Is(r.Err, record.ErrDecode) || r.Raw != nil {
				t.Fatalf("record %d err=%v raw=%v, want ErrDecode", i, r.Err, r.Raw)
			}
			continue
		}
		if r.Err != nil {
			t.Fatalf("record %d err=%v", i, r.Err)
		}
	}

	if _, ok := got[0].Raw["ts"].(json.Number); !ok {
		t.Fatalf("ts type=%T, want json.Number", got[0].Raw["ts"])
	}
}

func TestDir_RootArray(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "songs.json", "\xEF\xBB\xBF  [\n {\"song_id\":\"S1\"},\n \"x\",\n {\"song_id\":\"S2\"}\n]")

	got := collect(t, NewDir(path))
	if len(got) != 3 {
		t.Fatalf("records=%d, want 3", len(got))
	}
	if got[0].Raw["song_id"] != "S1" || got[2].Raw["song_id"] != "S2" {
		t.Fatalf("unexpected records %+v", got)
	}
	if !errors.Is(got[1].Err, record.ErrDecode) {
		t.Fatalf("err=%v, want ErrDecode", got[1].Err)
	}
}

func TestDir_TruncatedArrayEmitsOneFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "songs.json", `[{"song_id":"S1"}, {"song_id":`)

	got := collect(t, NewDir(path))
	if len(got) != 2 {
		t.Fatalf("records=%d, want 2", len(got))
	}
	if got[0].Err != nil || !errors.Is(got[1].Err, record.ErrDecode) {
		t.Fatalf("errs=%v,%v", got[0].Err, got[1].Err)
	}
}

func TestDir_EmptyFileAndMissingPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "empty.json", "  \n")
	if got := collect(t, NewDir(dir)); len(got) != 0 {
		t.Fatalf("records=%d, want 0", len(got))
	}

	out := make(chan Record, 1)
	if err := NewDir(filepath.Join(dir, "nope")).Stream(context.Background(), out); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestDir_StreamIsRestartable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"a":1}`+"\n"+`{"a":2}`+"\n")
	src := NewDir(dir)

	first := collect(t, src)
	second := collect(t, src)
	if len(first) != 2 || len(second) != 2 || second[1].Seq != 1 {
		t.Fatalf("first=%d second=%d", len(first), len(second))
	}
}

func TestSlice_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Record)
	err := Slice{{"a": 1}}.Stream(ctx, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestSlice_NilElementIsDecodeFailure(t *testing.T) {
	t.Parallel()

	got := collect(t, Slice{{"a": 1}, nil})
	if len(got) != 2 || got[0].Err != nil || !errors.Is(got[1].Err, record.ErrDecode) {
		t.Fatalf("got=%+v", got)
	}
}
