package storage

import (
	"context"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

// Future is a handle on work running in the background.
type Future interface {
	Wait(ctx context.Context) error
}

type future struct {
	done chan struct{}
	err  error
}

func (f *future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AntiCompact separates repaired from unrepaired data in every table: rows of
// unrepaired segments that fall inside ranges end up in segments stamped with
// repairedAt. One future is returned per table. The work stops at the next
// segment once ctx is done or the engine closes, and Close waits for it.
func (e *Engine) AntiCompact(ctx context.Context, tables []*Table, ranges []dht.Range, repairedAt int64) ([]Future, error) {
	if repairedAt == UnrepairedAt {
		return nil, fmt.Errorf("anti-compaction needs a repaired-at timestamp")
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	select {
	case <-e.closed:
		return nil, ErrEngineClosed
	default:
	}

	futures := make([]Future, 0, len(tables))
	for _, t := range tables {
		f := &future{done: make(chan struct{})}
		futures = append(futures, f)

		e.wg.Add(1)
		go func(t *Table) {
			defer e.wg.Done()
			defer close(f.done)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-e.closed:
					cancel()
				case <-runCtx.Done():
				}
			}()

			f.err = t.antiCompact(runCtx, ranges, repairedAt)
			if f.err != nil {
				e.logger.Error().Err(f.err).Str("table", t.Ref().String()).Msg("Anti-compaction failed")
				return
			}
			e.logger.Info().Str("table", t.Ref().String()).Int64("repaired_at", repairedAt).Msg("Anti-compaction finished")
		}(t)
	}
	return futures, nil
}

func (t *Table) antiCompact(ctx context.Context, ranges []dht.Range, repairedAt int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held := make(map[uint64]bool)
	for _, ids := range t.snapshots {
		for _, id := range ids {
			held[id] = true
		}
	}

	for _, seg := range sortedSegments(t.segments) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seg.IsRepaired() || seg.LocalIndex || !seg.Bounds().IntersectsAny(ranges) {
			continue
		}

		rows, err := t.readSegment(seg.ID)
		if err != nil {
			return err
		}

		var in, out []Row
		for _, row := range rows {
			if dht.ContainsAny(ranges, row.Token) {
				in = append(in, row)
			} else {
				out = append(out, row)
			}
		}

		switch {
		case len(in) == 0:
			continue
		case len(out) == 0:
			if err := t.markRepaired(seg, repairedAt); err != nil {
				return err
			}
		default:
			if err := t.split(seg, in, out, repairedAt, held[seg.ID]); err != nil {
				return err
			}
		}
	}
	return nil
}

// markRepaired restamps a segment whose rows all fall in the repaired ranges.
func (t *Table) markRepaired(seg Segment, repairedAt int64) error {
	seg.RepairedAt = repairedAt
	batch := new(leveldb.Batch)
	meta, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	batch.Put(metaKey(t.ref, seg.ID), meta)
	if err := t.db.Write(batch, nil); err != nil {
		return fmt.Errorf("mark segment %d of %s repaired: %w", seg.ID, t.ref, err)
	}
	t.segments[seg.ID] = seg
	return nil
}

// split rewrites a segment as a repaired and an unrepaired segment.
func (t *Table) split(seg Segment, in, out []Row, repairedAt int64, held bool) error {
	repaired, batch, err := t.buildSegment(in, flushOptions{repairedAt: repairedAt})
	if err != nil {
		return err
	}
	unrepaired, rest, err := t.buildSegment(out, flushOptions{})
	if err != nil {
		return err
	}
	if err := rest.Replay(batch); err != nil {
		return err
	}
	batch.Delete(metaKey(t.ref, seg.ID))

	if err := t.db.Write(batch, nil); err != nil {
		return fmt.Errorf("split segment %d of %s: %w", seg.ID, t.ref, err)
	}

	delete(t.segments, seg.ID)
	t.segments[repaired.ID] = repaired
	t.segments[unrepaired.ID] = unrepaired

	if held {
		t.retired[seg.ID] = seg
		return nil
	}
	return t.deleteSegmentData(seg.ID)
}
