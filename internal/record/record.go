// Package record decodes raw JSON records from the catalog and activity
// datasets into typed entries.
//
// A raw record is one flat JSON object (map[string]any). Decoding never
// panics and never aborts a batch: malformed records return an error that
// wraps ErrDecode so the driver can skip and count them.
package record

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode marks a record that is malformed or missing a required field.
// Decode failures are deterministic; callers must not retry them.
var ErrDecode = errors.New("record: decode failed")

// PageNextSong is the page type of activity entries that represent playback.
const PageNextSong = "NextSong"

// Raw is one undecoded record as produced by a source.
type Raw map[string]any

// CatalogEntry is one song/artist metadata record from the song dataset.
type CatalogEntry struct {
	SongID          string
	Title           string
	ArtistID        string
	ArtistName      string
	ArtistLocation  string
	ArtistLatitude  *float64
	ArtistLongitude *float64
	Year            int
	Duration        float64
}

// ActivityEntry is one user interaction from the event log dataset.
type ActivityEntry struct {
	UserID            int64
	FirstName         string
	LastName          string
	Gender            string
	SubscriptionLevel string
	TimestampMS       int64
	SessionID         int64
	ItemInSession     int64
	Location          string
	UserAgent         string
	PageType          string
	SongTitle         string
	ArtistName        string
}

// IsPlayback reports whether the entry represents an actual song play.
func (a ActivityEntry) IsPlayback() bool { return a.PageType == PageNextSong }

// FieldError describes which field failed and why.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrDecode) match any field failure.
func (e *FieldError) Unwrap() error { return ErrDecode }

// DecodeCatalog decodes one song dataset record.
//
// Required: song_id, title, artist_id, artist_name.
// Optional: artist_location, artist_latitude, artist_longitude, year, duration.
// Latitude/longitude are nil when absent or null; a non-numeric value is an error.
func DecodeCatalog(raw Raw) (CatalogEntry, error) {
	if raw == nil {
		return CatalogEntry{}, fmt.Errorf("catalog: nil record: %w", ErrDecode)
	}

	var (
		e   CatalogEntry
		err error
	)
	if e.SongID, err = requiredString(raw, "song_id"); err != nil {
		return CatalogEntry{}, err
	}
	if e.Title, err = requiredString(raw, "title"); err != nil {
		return CatalogEntry{}, err
	}
	if e.ArtistID, err = requiredString(raw, "artist_id"); err != nil {
		return CatalogEntry{}, err
	}
	if e.ArtistName, err = requiredString(raw, "artist_name"); err != nil {
		return CatalogEntry{}, err
	}
	if e.ArtistLocation, err = optionalString(raw, "artist_location"); err != nil {
		return CatalogEntry{}, err
	}
	if e.ArtistLatitude, err = optionalFloat(raw, "artist_latitude"); err != nil {
		return CatalogEntry{}, err
	}
	if e.ArtistLongitude, err = optionalFloat(raw, "artist_longitude"); err != nil {
		return CatalogEntry{}, err
	}

	year, err := optionalInt(raw, "year")
	if err != nil {
		return CatalogEntry{}, err
	}
	if year != nil {
		e.Year = int(*year)
	}

	dur, err := optionalFloat(raw, "duration")
	if err != nil {
		return CatalogEntry{}, err
	}
	if dur != nil {
		e.Duration = *dur
	}

	return e, nil
}

// DecodeActivity decodes one event log record.
//
// Required for every entry: ts (numeric), page.
// Required for playback entries (page == NextSong): userId, level, sessionId.
// Non-playback entries decode with whatever user fields are present; the driver
// drops them before any write, so they only need to be well-formed.
func DecodeActivity(raw Raw) (ActivityEntry, error) {
	if raw == nil {
		return ActivityEntry{}, fmt.Errorf("activity: nil record: %w", ErrDecode)
	}

	var (
		a   ActivityEntry
		err error
	)

	ts, err := optionalInt(raw, "ts")
	if err != nil {
		return ActivityEntry{}, err
	}
	if ts == nil {
		return ActivityEntry{}, &FieldError{Field: "ts", Reason: "missing"}
	}
	a.TimestampMS = *ts

	if a.PageType, err = requiredString(raw, "page"); err != nil {
		return ActivityEntry{}, err
	}

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"firstName", &a.FirstName},
		{"lastName", &a.LastName},
		{"gender", &a.Gender},
		{"level", &a.SubscriptionLevel},
		{"location", &a.Location},
		{"userAgent", &a.UserAgent},
		{"song", &a.SongTitle},
		{"artist", &a.ArtistName},
	} {
		if *f.dst, err = optionalString(raw, f.key); err != nil {
			return ActivityEntry{}, err
		}
	}

	item, err := optionalInt(raw, "itemInSession")
	if err != nil {
		return ActivityEntry{}, err
	}
	if item != nil {
		a.ItemInSession = *item
	}

	session, err := optionalInt(raw, "sessionId")
	if err != nil {
		return ActivityEntry{}, err
	}
	if session != nil {
		a.SessionID = *session
	}

	// The log dataset encodes userId as a string, and logged-out events carry "".
	user, err := optionalInt(raw, "userId")
	if err != nil {
		return ActivityEntry{}, err
	}
	if user != nil {
		a.UserID = *user
	}

	if !a.IsPlayback() {
		return a, nil
	}

	if user == nil {
		return ActivityEntry{}, &FieldError{Field: "userId", Reason: "missing for playback entry"}
	}
	if session == nil {
		return ActivityEntry{}, &FieldError{Field: "sessionId", Reason: "missing for playback entry"}
	}
	if strings.TrimSpace(a.SubscriptionLevel) == "" {
		return ActivityEntry{}, &FieldError{Field: "level", Reason: "missing for playback entry"}
	}
	return a, nil
}
