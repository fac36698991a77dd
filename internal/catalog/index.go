// Package catalog provides the in-memory (title, artist name) -> (song, artist)
// index used to resolve playback events against the song catalog.
package catalog

import (
	"errors"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrNotSealed is returned by Resolve when the index has not been sealed.
// Resolution is a point lookup against a fully loaded catalog; resolving while
// the catalog pass is still running would silently produce misses.
var ErrNotSealed = errors.New("catalog: index not sealed")

// Match is a resolved catalog entry. SongID and ArtistID always come from the
// same catalog entry.
type Match struct {
	SongID   string
	ArtistID string
}

type key struct {
	title  string
	artist string
}

type entry struct {
	match Match
	seq   int64
}

type songClaim struct {
	title    string
	artistID string
	seq      int64
}

type artistClaim struct {
	name string
	seq  int64
}

// Index maps (title, artist name) pairs to catalog entries.
//
// Loaded entries are claims on a song_id and an artist_id. Seal keeps, per
// song_id and per artist_id, the claim with the lowest seq, which is the row a
// first-write-wins sink stores when the catalog is written in input order.
// Keys are then built from the kept song title and the kept artist name, so
// the index only resolves through values the sink holds.
//
// Concurrency:
//   - Load and Resolve are safe for concurrent use.
//   - Load after Seal is ignored.
//
// Keys are compared exactly and case-sensitively after Unicode NFC
// normalization, so "Café" typed with a combining accent matches the
// precomposed form but "test song" does not match "Test Song".
type Index struct {
	mu      sync.RWMutex
	songs   map[string]songClaim
	artists map[string]artistClaim
	byKey   map[key]entry
	sealed  bool
}

// NewIndex returns an empty, unsealed index.
func NewIndex() *Index {
	return &Index{
		songs:   make(map[string]songClaim),
		artists: make(map[string]artistClaim),
		byKey:   make(map[key]entry),
	}
}

// Load registers a catalog entry. seq is the entry's position in the catalog
// input; the lowest seq wins every collision, on song_id, on artist_id and on
// (title, artist name), so the result does not depend on load order.
func (ix *Index) Load(title, artistName string, m Match, seq int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.sealed {
		return
	}
	if cur, ok := ix.songs[m.SongID]; !ok || seq < cur.seq {
		ix.songs[m.SongID] = songClaim{title: title, artistID: m.ArtistID, seq: seq}
	}
	if cur, ok := ix.artists[m.ArtistID]; !ok || seq < cur.seq {
		ix.artists[m.ArtistID] = artistClaim{name: artistName, seq: seq}
	}
}

// Seal marks the catalog as fully loaded and builds the lookup keys.
func (ix *Index) Seal() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.sealed {
		return
	}
	for songID, sc := range ix.songs {
		ac, ok := ix.artists[sc.artistID]
		if !ok {
			continue
		}
		k := makeKey(sc.title, ac.name)
		if cur, ok := ix.byKey[k]; ok && cur.seq <= sc.seq {
			continue
		}
		ix.byKey[k] = entry{match: Match{SongID: songID, ArtistID: sc.artistID}, seq: sc.seq}
	}
	ix.songs, ix.artists = nil, nil
	ix.sealed = true
}

// Sealed reports whether Seal has been called.
func (ix *Index) Sealed() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.sealed
}

// Resolve returns the catalog match for (title, artistName).
//
// A miss is not an error: it returns ok=false and a nil error.
func (ix *Index) Resolve(title, artistName string) (m Match, ok bool, err error) {
	k := makeKey(title, artistName)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.sealed {
		return Match{}, false, ErrNotSealed
	}
	e, ok := ix.byKey[k]
	if !ok {
		return Match{}, false, nil
	}
	return e.match, true, nil
}

// Len returns the number of distinct keys. It is zero until Seal.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byKey)
}

func makeKey(title, artistName string) key {
	return key{
		title:  norm.NFC.String(title),
		artist: norm.NFC.String(artistName),
	}
}
