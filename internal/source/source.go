// Package source streams raw JSON records from the catalog and activity
// datasets.
//
// A source is finite and restartable: every call to Stream walks the input
// from the beginning and emits records in a stable order. Malformed input is
// reported per record (Record.Err wraps record.ErrDecode) so the driver can
// skip and count it; Stream itself fails only on I/O errors or cancellation.
package source

import (
	"context"
	"fmt"

	"sparkify/internal/record"
)

// Record is one raw record plus where it came from.
type Record struct {
	File string
	Line int
	// Seq is the 0-based position of the record across the whole stream.
	Seq int64
	Raw record.Raw
	// Err is set when the record could not be parsed. Raw is nil then.
	Err error
}

// Source produces raw records in a stable order.
type Source interface {
	Stream(ctx context.Context, out chan<- Record) error
}

// Slice is an in-memory source. Each element becomes one record.
type Slice []record.Raw

func (s Slice) Stream(ctx context.Context, out chan<- Record) error {
	for i, raw := range s {
		rec := Record{File: "memory", Line: i + 1, Seq: int64(i), Raw: raw}
		if raw == nil {
			rec.Err = fmt.Errorf("%w: null record", record.ErrDecode)
		}
		if err := emit(ctx, out, rec); err != nil {
			return err
		}
	}
	return nil
}

func emit(ctx context.Context, out chan<- Record, rec Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- rec:
		return nil
	}
}
