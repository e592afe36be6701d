package storage

import (
	"fmt"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

// Validation receives the rows of a read-only validation scan.
type Validation interface {
	// SnapshotName names the snapshot to read, if one was taken for this validation.
	SnapshotName() string
	Range() dht.Range
	// GCBefore is the unix-seconds cutoff before which tombstones are purgeable.
	GCBefore() int64
	Add(row Row)
	Complete()
	Fail(err error)
}

type validationTask struct {
	table      *Table
	validation Validation
}

// SubmitValidation queues a validation scan and returns immediately. The
// validation reports its outcome through Complete or Fail.
func (e *Engine) SubmitValidation(t *Table, v Validation) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}

	select {
	case e.validations <- validationTask{table: t, validation: v}:
		return nil
	default:
		return ErrValidationQueueFull
	}
}

func (e *Engine) validationWorker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closed:
			return
		case task := <-e.validations:
			e.runValidation(task.table, task.validation)
		}
	}
}

func (e *Engine) runValidation(t *Table, v Validation) {
	defer func() {
		if r := recover(); r != nil {
			v.Fail(fmt.Errorf("validation of %s panicked: %v", t.Ref(), r))
		}
	}()

	rng := v.Range()
	name := v.SnapshotName()

	segs, fromSnapshot := t.SnapshotSegments(name)
	if !fromSnapshot {
		for _, seg := range t.Segments() {
			if !seg.LocalIndex && seg.Bounds().Intersects(rng) {
				segs = append(segs, seg)
			}
		}
	}

	rows, err := t.Scan(segs, []dht.Range{rng})
	if fromSnapshot {
		// The snapshot has served its purpose once read.
		if cerr := t.ClearSnapshot(name); cerr != nil {
			e.logger.Warn().Err(cerr).Str("table", t.Ref().String()).Str("snapshot", name).Msg("Failed to clear snapshot")
		}
	}
	if err != nil {
		v.Fail(fmt.Errorf("scan %s for validation: %w", t.Ref(), err))
		return
	}

	gcBefore := v.GCBefore()
	added := 0
	for _, row := range rows {
		if row.Purgeable(gcBefore) {
			continue
		}
		v.Add(row)
		added++
	}

	e.logger.Debug().
		Str("table", t.Ref().String()).
		Str("range", rng.String()).
		Bool("snapshot", fromSnapshot).
		Int("rows", added).
		Msg("Validation scan complete")
	v.Complete()
}
