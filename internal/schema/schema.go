// Package schema defines the star schema: the songplays fact table and the
// users, songs, artists and time dimensions, as storage.TableSpec values plus
// typed rows that render themselves in spec column order.
package schema

import (
	"time"

	"sparkify/internal/storage"
)

// Table names.
const (
	Songs     = "songs"
	Artists   = "artists"
	Users     = "users"
	Time      = "time"
	Songplays = "songplays"
)

// Options controls how the table specs are generated.
type Options struct {
	// AutoCreate sets AutoCreateTable on every spec.
	AutoCreate bool
	// DedupeFacts makes fact inserts idempotent on row_hash. Without it a
	// duplicate row_hash is reported as a conflict.
	DedupeFacts bool
}

// Tables returns the five table specs in creation order: dimensions first.
func Tables(opt Options) []storage.TableSpec {
	return []storage.TableSpec{
		SongsSpec(opt),
		ArtistsSpec(opt),
		UsersSpec(opt),
		TimeSpec(opt),
		SongplaysSpec(opt),
	}
}

// SongsSpec describes the songs dimension; the first write per song_id wins.
func SongsSpec(opt Options) storage.TableSpec {
	return storage.TableSpec{
		Name:            Songs,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "song_id", Type: storage.TypeKey},
		Columns: []storage.ColumnSpec{
			required("title", storage.TypeText),
			required("artist_id", storage.TypeKey),
			optional("year", storage.TypeInt),
			optional("duration", storage.TypeFloat),
		},
		Load: storage.LoadSpec{Kind: "dimension", Conflict: firstWriteWins("song_id")},
	}
}

// ArtistsSpec describes the artists dimension; the first write per artist_id wins.
func ArtistsSpec(opt Options) storage.TableSpec {
	return storage.TableSpec{
		Name:            Artists,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "artist_id", Type: storage.TypeKey},
		Columns: []storage.ColumnSpec{
			required("name", storage.TypeText),
			optional("location", storage.TypeText),
			optional("latitude", storage.TypeFloat),
			optional("longitude", storage.TypeFloat),
		},
		Load: storage.LoadSpec{Kind: "dimension", Conflict: firstWriteWins("artist_id")},
	}
}

// UsersSpec describes the users dimension.
func UsersSpec(opt Options) storage.TableSpec {
	return storage.TableSpec{
		Name:            Users,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "user_id", Type: storage.TypeInt},
		Columns: []storage.ColumnSpec{
			optional("first_name", storage.TypeText),
			optional("last_name", storage.TypeText),
			optional("gender", storage.TypeText),
			required("level", storage.TypeText),
		},
		Load: storage.LoadSpec{
			Kind: "dimension",
			Conflict: &storage.ConflictSpec{
				TargetColumns: []string{"user_id"},
				Action:        storage.ActionDoUpdate,
				UpdateColumns: []string{"first_name", "last_name", "gender", "level"},
			},
		},
	}
}

// TimeSpec describes the time dimension, keyed by start_time.
func TimeSpec(opt Options) storage.TableSpec {
	return storage.TableSpec{
		Name:            Time,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "start_time", Type: storage.TypeTimestamp},
		Columns: []storage.ColumnSpec{
			required("hour", storage.TypeInt),
			required("day", storage.TypeInt),
			required("week", storage.TypeInt),
			required("month", storage.TypeInt),
			required("year", storage.TypeInt),
			required("weekday", storage.TypeText),
		},
		Load: storage.LoadSpec{Kind: "dimension", Conflict: firstWriteWins("start_time")},
	}
}

// SongplaysSpec describes the fact table.
func SongplaysSpec(opt Options) storage.TableSpec {
	spec := storage.TableSpec{
		Name:            Songplays,
		AutoCreateTable: opt.AutoCreate,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "songplay_id", Type: storage.TypeBigInt},
		Columns: []storage.ColumnSpec{
			required("start_time", storage.TypeTimestamp),
			required("user_id", storage.TypeInt),
			required("level", storage.TypeText),
			optional("song_id", storage.TypeKey),
			optional("artist_id", storage.TypeKey),
			required("session_id", storage.TypeBigInt),
			optional("location", storage.TypeText),
			optional("user_agent", storage.TypeText),
			required("row_hash", storage.TypeKey),
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"row_hash"}}},
		Load:        storage.LoadSpec{Kind: "fact"},
	}
	if opt.DedupeFacts {
		spec.Load.Conflict = firstWriteWins("row_hash")
	}
	return spec
}

func firstWriteWins(cols ...string) *storage.ConflictSpec {
	return &storage.ConflictSpec{TargetColumns: cols, Action: storage.ActionDoNothing}
}

func required(name, typ string) storage.ColumnSpec {
	f := false
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: &f}
}

func optional(name, typ string) storage.ColumnSpec {
	t := true
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: &t}
}

// Song is one songs row.
type Song struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int
	Duration float64
}

// Values returns the row in SongsSpec column order.
func (s Song) Values() []any {
	return []any{s.SongID, s.Title, s.ArtistID, s.Year, s.Duration}
}

// Artist is one artists row. Latitude and Longitude are nil when unknown.
type Artist struct {
	ArtistID  string
	Name      string
	Location  string
	Latitude  *float64
	Longitude *float64
}

func (a Artist) Values() []any {
	return []any{a.ArtistID, a.Name, a.Location, floatOrNil(a.Latitude), floatOrNil(a.Longitude)}
}

// User is one users row.
type User struct {
	UserID    int64
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

func (u User) Values() []any {
	return []any{u.UserID, u.FirstName, u.LastName, u.Gender, u.Level}
}

// TimeRow is one time row.
type TimeRow struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   string
}

func (t TimeRow) Values() []any {
	return []any{t.StartTime, t.Hour, t.Day, t.Week, t.Month, t.Year, t.Weekday}
}

// Songplay is one fact row. SongID and ArtistID are either both set or both
// nil.
type Songplay struct {
	SongplayID int64
	StartTime  time.Time
	UserID     int64
	Level      string
	SongID     *string
	ArtistID   *string
	SessionID  int64
	Location   string
	UserAgent  string
	RowHash    string
}

func (p Songplay) Values() []any {
	return []any{
		p.SongplayID, p.StartTime, p.UserID, p.Level,
		stringOrNil(p.SongID), stringOrNil(p.ArtistID),
		p.SessionID, p.Location, p.UserAgent, p.RowHash,
	}
}

// floatOrNil keeps typed nil pointers out of driver args.
func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func stringOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
