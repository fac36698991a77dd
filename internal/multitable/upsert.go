package multitable

import (
	"context"
	"fmt"

	"sparkify/internal/record"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
	"sparkify/internal/timedim"
)

// Tables holds the five table specs of one run.
type Tables struct {
	Songs     storage.TableSpec
	Artists   storage.TableSpec
	Users     storage.TableSpec
	Time      storage.TableSpec
	Songplays storage.TableSpec
}

// NewTables builds the five table specs for the given schema options.
func NewTables(opt schema.Options) Tables {
	return Tables{
		Songs:     schema.SongsSpec(opt),
		Artists:   schema.ArtistsSpec(opt),
		Users:     schema.UsersSpec(opt),
		Time:      schema.TimeSpec(opt),
		Songplays: schema.SongplaysSpec(opt),
	}
}

// All returns the specs in creation order: dimensions first.
func (t Tables) All() []storage.TableSpec {
	return []storage.TableSpec{t.Songs, t.Artists, t.Users, t.Time, t.Songplays}
}

// writes counts rows affected per table within one record.
type writes map[string]int64

// Upserter writes dimension rows. Each method issues exactly one row write
// through the record's writer; the table's conflict policy decides whether an
// existing row is kept or overwritten.
type Upserter struct {
	Tables Tables
}

// UpsertSong inserts the song unless its song_id exists (first write wins).
func (u Upserter) UpsertSong(ctx context.Context, w storage.RowWriter, e record.CatalogEntry, out writes) error {
	row := schema.Song{
		SongID:   e.SongID,
		Title:    e.Title,
		ArtistID: e.ArtistID,
		Year:     e.Year,
		Duration: e.Duration,
	}
	return u.write(ctx, w, u.Tables.Songs, row.Values(), out)
}

// UpsertArtist inserts the artist unless its artist_id exists (first write
// wins).
func (u Upserter) UpsertArtist(ctx context.Context, w storage.RowWriter, e record.CatalogEntry, out writes) error {
	row := schema.Artist{
		ArtistID:  e.ArtistID,
		Name:      e.ArtistName,
		Location:  e.ArtistLocation,
		Latitude:  e.ArtistLatitude,
		Longitude: e.ArtistLongitude,
	}
	return u.write(ctx, w, u.Tables.Artists, row.Values(), out)
}

// UpsertUser inserts the user or overwrites its mutable fields (last write
// wins), so a free-to-paid upgrade is reflected by the latest event.
func (u Upserter) UpsertUser(ctx context.Context, w storage.RowWriter, a record.ActivityEntry, out writes) error {
	row := schema.User{
		UserID:    a.UserID,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Gender:    a.Gender,
		Level:     a.SubscriptionLevel,
	}
	return u.write(ctx, w, u.Tables.Users, row.Values(), out)
}

// UpsertTime inserts the time row unless start_time exists.
func (u Upserter) UpsertTime(ctx context.Context, w storage.RowWriter, t timedim.Row, out writes) error {
	row := schema.TimeRow{
		StartTime: t.StartTime,
		Hour:      t.Hour,
		Day:       t.Day,
		Week:      t.Week,
		Month:     t.Month,
		Year:      t.Year,
		Weekday:   t.Weekday,
	}
	return u.write(ctx, w, u.Tables.Time, row.Values(), out)
}

func (u Upserter) write(ctx context.Context, w storage.RowWriter, spec storage.TableSpec, values []any, out writes) error {
	n, err := w.WriteRow(ctx, spec, spec.ColumnNames(), values)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", spec.Name, err)
	}
	if out != nil {
		out[spec.Name] += n
	}
	return nil
}
