package multitable

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"

	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

// IDGenerator hands out songplay_id values. Implementations are safe for
// concurrent use.
type IDGenerator interface {
	Next() (int64, error)
}

// Sequence is a process-local counter. Next returns start+1, start+2, ...
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a counter whose first id is start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the next id. It never fails.
func (s *Sequence) Next() (int64, error) { return s.n.Add(1), nil }

// Snowflake issues time-ordered ids unique across nodes, for several loaders
// writing to one sink.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake returns a generator for nodeID, which must be in [0, 1023].
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("ids: snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: n}, nil
}

// Next returns a fresh id for this node.
func (s *Snowflake) Next() (int64, error) { return s.node.Generate().Int64(), nil }

// newIDGenerator builds the configured strategy. The sequence is seeded from
// the largest songplay_id already stored, so sequential runs never reuse an id.
func newIDGenerator(ctx context.Context, rt RuntimeConfig, repo storage.Repository) (IDGenerator, error) {
	switch rt.EventIDs {
	case "", EventIDsSequence:
		var start int64
		if km, ok := repo.(storage.KeyMaxer); ok {
			top, err := km.MaxKey(ctx, schema.Songplays, "songplay_id")
			if err != nil {
				return nil, fmt.Errorf("ids: seed sequence: %w", err)
			}
			start = top
		}
		return NewSequence(start), nil
	case EventIDsSnowflake:
		return NewSnowflake(rt.NodeID)
	default:
		return nil, fmt.Errorf("ids: unknown strategy %q", rt.EventIDs)
	}
}
