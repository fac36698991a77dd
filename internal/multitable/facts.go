package multitable

import (
	"context"
	"errors"
	"fmt"

	"sparkify/internal/catalog"
	"sparkify/internal/record"
	"sparkify/internal/rowhash"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
	"sparkify/internal/timedim"
)

// factHash identifies one playback event independently of songplay_id.
var factHash = rowhash.Hash{
	Fields:            []string{"start_time", "user_id", "session_id", "item_in_session", "song_title", "artist_name"},
	IncludeFieldNames: true,
}

// FactRowHash returns the row_hash of a playback event.
func FactRowHash(a record.ActivityEntry) string {
	return factHash.Sum(map[string]any{
		"start_time":      timedim.FromMillis(a.TimestampMS),
		"user_id":         a.UserID,
		"session_id":      a.SessionID,
		"item_in_session": a.ItemInSession,
		"song_title":      a.SongTitle,
		"artist_name":     a.ArtistName,
	})
}

// Fact is a built fact row plus what the builder learned on the way.
type Fact struct {
	Row     schema.Songplay
	Time    timedim.Row
	Matched bool
}

// FactBuilder turns playback events into songplays rows.
type FactBuilder struct {
	Index *catalog.Index
	IDs   IDGenerator
}

// Build derives start_time, resolves (song_id, artist_id) against the sealed
// index and assigns the next event id. An unmatched event yields a fact with
// both keys nil; resolution misses are not errors.
func (b *FactBuilder) Build(a record.ActivityEntry) (Fact, error) {
	if !a.IsPlayback() {
		return Fact{}, fmt.Errorf("facts: page %q is not a playback event", a.PageType)
	}

	t := timedim.Derive(a.TimestampMS)
	m, ok, err := b.Index.Resolve(a.SongTitle, a.ArtistName)
	if err != nil {
		return Fact{}, fmt.Errorf("facts: resolve: %w", err)
	}

	id, err := b.IDs.Next()
	if err != nil {
		return Fact{}, fmt.Errorf("facts: next id: %w", err)
	}

	row := schema.Songplay{
		SongplayID: id,
		StartTime:  t.StartTime,
		UserID:     a.UserID,
		Level:      a.SubscriptionLevel,
		SessionID:  a.SessionID,
		Location:   a.Location,
		UserAgent:  a.UserAgent,
		RowHash:    FactRowHash(a),
	}
	if ok {
		songID, artistID := m.SongID, m.ArtistID
		row.SongID, row.ArtistID = &songID, &artistID
	}
	return Fact{Row: row, Time: t, Matched: ok}, nil
}

// InsertFact writes the fact row. It reports whether the row was stored; with
// fact dedupe on, an already stored row_hash yields false and no error.
func InsertFact(ctx context.Context, w storage.RowWriter, spec storage.TableSpec, f Fact, out writes) (bool, error) {
	n, err := w.WriteRow(ctx, spec, spec.ColumnNames(), f.Row.Values())
	if err != nil {
		return false, fmt.Errorf("insert fact %d: %w", f.Row.SongplayID, err)
	}
	if out != nil {
		out[spec.Name] += n
	}
	return n > 0, nil
}

// errFatal reports whether err must stop the run. Conflicts are per-record.
func errFatal(err error) bool {
	return err != nil && !errors.Is(err, storage.ErrConflict)
}
