package schema

import (
	"testing"
	"time"

	"sparkify/internal/storage"
)

func TestTables_ValuesMatchColumnOrder(t *testing.T) {
	t.Parallel()

	lat := 35.1
	sid, aid := "S1", "A1"
	rows := map[string][]any{
		Songs:     Song{SongID: "S1", Title: "T", ArtistID: "A1", Year: 2000, Duration: 200.5}.Values(),
		Artists:   Artist{ArtistID: "A1", Name: "N", Latitude: &lat}.Values(),
		Users:     User{UserID: 8, Level: "free"}.Values(),
		Time:      TimeRow{StartTime: time.Unix(0, 0).UTC(), Weekday: "Thursday"}.Values(),
		Songplays: Songplay{SongplayID: 1, SongID: &sid, ArtistID: &aid, RowHash: "h"}.Values(),
	}

	for _, spec := range Tables(Options{AutoCreate: true}) {
		vals, ok := rows[spec.Name]
		if !ok {
			t.Fatalf("unexpected table %q", spec.Name)
		}
		cols := spec.ColumnNames()
		if len(cols) != len(vals) {
			t.Fatalf("%s: %d columns, %d values", spec.Name, len(cols), len(vals))
		}
		if err := spec.CheckWrite(cols, vals); err != nil {
			t.Fatalf("%s: CheckWrite: %v", spec.Name, err)
		}
		if !spec.AutoCreateTable {
			t.Fatalf("%s: AutoCreateTable not set", spec.Name)
		}
	}
}

func TestConflictPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec storage.TableSpec
		want string
	}{
		{SongsSpec(Options{}), storage.ActionDoNothing},
		{ArtistsSpec(Options{}), storage.ActionDoNothing},
		{UsersSpec(Options{}), storage.ActionDoUpdate},
		{TimeSpec(Options{}), storage.ActionDoNothing},
		{SongplaysSpec(Options{}), storage.ActionReject},
		{SongplaysSpec(Options{DedupeFacts: true}), storage.ActionDoNothing},
	}
	for _, tc := range tests {
		if got := tc.spec.Action(); got != tc.want {
			t.Fatalf("%s action=%q, want %q", tc.spec.Name, got, tc.want)
		}
	}

	u := UsersSpec(Options{}).Load.Conflict.UpdateColumns
	if len(u) != 4 || u[3] != "level" {
		t.Fatalf("users update columns=%v", u)
	}
}

func TestNilPointersBecomeUntypedNil(t *testing.T) {
	t.Parallel()

	a := Artist{ArtistID: "A", Name: "N"}.Values()
	if a[3] != nil || a[4] != nil {
		t.Fatalf("artist lat/long=%#v %#v, want untyped nil", a[3], a[4])
	}
	p := Songplay{}.Values()
	if p[4] != nil || p[5] != nil {
		t.Fatalf("songplay song/artist=%#v %#v, want untyped nil", p[4], p[5])
	}
}
