package multitable

import (
	"context"
	"fmt"

	"sparkify/internal/catalog"
	"sparkify/internal/storage"
)

// prewarm rebuilds the catalog index from stored songs joined with their
// artists, for runs that skip the catalog source. Songs are read in song_id
// order, so on a (title, artist name) collision the smallest song_id wins.
func (e *Engine) prewarm(ctx context.Context, idx *catalog.Index) error {
	snap, ok := e.Repo.(storage.Snapshotter)
	if !ok {
		return fmt.Errorf("prewarm: storage %T cannot read tables back", e.Repo)
	}

	names := map[string]string{}
	err := snap.Snapshot(ctx, e.Tables.Artists, func(v []any) error {
		id, _ := v[0].(string)
		name, _ := v[1].(string)
		names[id] = name
		return nil
	})
	if err != nil {
		return fmt.Errorf("prewarm: artists: %w", err)
	}

	var seq, orphans int64
	err = snap.Snapshot(ctx, e.Tables.Songs, func(v []any) error {
		songID, _ := v[0].(string)
		title, _ := v[1].(string)
		artistID, _ := v[2].(string)

		name, ok := names[artistID]
		if !ok {
			orphans++
			return nil
		}
		idx.Load(title, name, catalog.Match{SongID: songID, ArtistID: artistID}, seq)
		seq++
		return nil
	})
	if err != nil {
		return fmt.Errorf("prewarm: songs: %w", err)
	}

	e.logf("stage=catalog_prewarm songs=%d artists=%d orphan_songs=%d", seq, len(names), orphans)
	return nil
}
