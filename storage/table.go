package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

// UnrepairedAt marks a segment that has never been anti-compacted.
const UnrepairedAt int64 = 0

// Segment describes an immutable, persisted run of rows. Only RepairedAt can
// change, and only through anti-compaction, which swaps in a new value.
type Segment struct {
	ID         uint64    `json:"id"`
	First      dht.Token `json:"first"`
	Last       dht.Token `json:"last"`
	RepairedAt int64     `json:"repaired_at"`
	LocalIndex bool      `json:"local_index"` // secondary index data on a local partitioner
	Rows       int       `json:"rows"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s Segment) Bounds() dht.Bounds {
	return dht.Bounds{First: s.First, Last: s.Last}
}

func (s Segment) IsRepaired() bool {
	return s.RepairedAt != UnrepairedAt
}

type flushOptions struct {
	localIndex bool
	repairedAt int64
}

type FlushOption func(*flushOptions)

// AsLocalIndex marks the flushed segment as secondary index data.
func AsLocalIndex() FlushOption {
	return func(o *flushOptions) { o.localIndex = true }
}

// WithRepairedAt stamps the flushed segment as repaired at ts.
func WithRepairedAt(ts int64) FlushOption {
	return func(o *flushOptions) { o.repairedAt = ts }
}

// Table is a live handle on one table's segments and snapshots.
type Table struct {
	ref TableRef
	db  *leveldb.DB

	mu        sync.RWMutex
	segments  map[uint64]Segment
	retired   map[uint64]Segment // replaced by anti-compaction but still held by a snapshot
	snapshots map[string][]uint64
	nextID    uint64
}

func newTable(ref TableRef, db *leveldb.DB) *Table {
	return &Table{
		ref:       ref,
		db:        db,
		segments:  make(map[uint64]Segment),
		retired:   make(map[uint64]Segment),
		snapshots: make(map[string][]uint64),
		nextID:    1,
	}
}

func (t *Table) Ref() TableRef {
	return t.ref
}

// load reads persisted segment metadata for the table.
func (t *Table) load() error {
	it := t.db.NewIterator(util.BytesPrefix(metaTablePrefix(t.ref)), nil)
	defer it.Release()

	for it.Next() {
		var seg Segment
		if err := json.Unmarshal(it.Value(), &seg); err != nil {
			return fmt.Errorf("decode segment metadata for %s: %w", t.ref, err)
		}
		t.segments[seg.ID] = seg
		if seg.ID >= t.nextID {
			t.nextID = seg.ID + 1
		}
	}
	return it.Error()
}

// Flush persists rows as a new immutable segment.
func (t *Table) Flush(rows []Row, opts ...FlushOption) (Segment, error) {
	if len(rows) == 0 {
		return Segment{}, ErrEmptySegment
	}

	var o flushOptions
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seg, batch, err := t.buildSegment(rows, o)
	if err != nil {
		return Segment{}, err
	}
	if err := t.db.Write(batch, nil); err != nil {
		return Segment{}, fmt.Errorf("flush segment %d of %s: %w", seg.ID, t.ref, err)
	}

	t.segments[seg.ID] = seg
	return seg, nil
}

// buildSegment allocates an id and stages the segment's rows and metadata.
// Callers hold t.mu.
func (t *Table) buildSegment(rows []Row, o flushOptions) (Segment, *leveldb.Batch, error) {
	seg := Segment{
		ID:         t.nextID,
		First:      dht.MaxToken,
		Last:       dht.MinToken,
		RepairedAt: o.repairedAt,
		LocalIndex: o.localIndex,
		Rows:       len(rows),
		CreatedAt:  time.Now(),
	}
	t.nextID++

	batch := new(leveldb.Batch)
	for _, row := range rows {
		if row.Token < seg.First {
			seg.First = row.Token
		}
		if row.Token > seg.Last {
			seg.Last = row.Token
		}

		value, err := json.Marshal(row)
		if err != nil {
			return Segment{}, nil, fmt.Errorf("encode row %q: %w", row.Key, err)
		}
		batch.Put(rowKey(t.ref, seg.ID, row), value)
	}

	meta, err := encodeSegment(seg)
	if err != nil {
		return Segment{}, nil, err
	}
	batch.Put(metaKey(t.ref, seg.ID), meta)

	return seg, batch, nil
}

func encodeSegment(seg Segment) ([]byte, error) {
	meta, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("encode segment %d metadata: %w", seg.ID, err)
	}
	return meta, nil
}

// Segments returns the live segments ordered by id.
func (t *Table) Segments() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return sortedSegments(t.segments)
}

func sortedSegments(m map[uint64]Segment) []Segment {
	segs := make([]Segment, 0, len(m))
	for _, seg := range m {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ID < segs[j].ID })
	return segs
}

// Snapshot records a named, point-in-time set of the segments accepted by keep.
// Snapshotting an existing name keeps the original snapshot, so retries of the
// same request observe the same view. It returns the number of segments held.
func (t *Table) Snapshot(name string, keep func(Segment) bool) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("snapshot of %s needs a name", t.ref)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ids, ok := t.snapshots[name]; ok {
		return len(ids), nil
	}

	ids := make([]uint64, 0)
	for _, seg := range sortedSegments(t.segments) {
		if keep == nil || keep(seg) {
			ids = append(ids, seg.ID)
		}
	}
	t.snapshots[name] = ids
	return len(ids), nil
}

// SnapshotSegments returns the segments held by the named snapshot.
func (t *Table) SnapshotSegments(name string) ([]Segment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids, ok := t.snapshots[name]
	if !ok {
		return nil, false
	}

	segs := make([]Segment, 0, len(ids))
	for _, id := range ids {
		if seg, ok := t.segments[id]; ok {
			segs = append(segs, seg)
		} else if seg, ok := t.retired[id]; ok {
			segs = append(segs, seg)
		}
	}
	return segs, true
}

// HasSnapshot reports whether a snapshot with the given name exists.
func (t *Table) HasSnapshot(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.snapshots[name]
	return ok
}

// ClearSnapshot drops the named snapshot and deletes retired segments nobody
// references any more.
func (t *Table) ClearSnapshot(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.snapshots, name)
	return t.purgeRetired()
}

// purgeRetired deletes data of retired segments no snapshot holds. Callers hold t.mu.
func (t *Table) purgeRetired() error {
	held := make(map[uint64]bool)
	for _, ids := range t.snapshots {
		for _, id := range ids {
			held[id] = true
		}
	}

	for id := range t.retired {
		if held[id] {
			continue
		}
		if err := t.deleteSegmentData(id); err != nil {
			return err
		}
		delete(t.retired, id)
	}
	return nil
}

func (t *Table) deleteSegmentData(id uint64) error {
	batch := new(leveldb.Batch)
	it := t.db.NewIterator(util.BytesPrefix(segmentDataPrefix(t.ref, id)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return t.db.Write(batch, nil)
}

// readSegment returns every row stored in a segment, in token order.
func (t *Table) readSegment(id uint64) ([]Row, error) {
	it := t.db.NewIterator(util.BytesPrefix(segmentDataPrefix(t.ref, id)), nil)
	defer it.Release()

	var rows []Row
	for it.Next() {
		var row Row
		if err := json.Unmarshal(it.Value(), &row); err != nil {
			return nil, fmt.Errorf("decode row in segment %d of %s: %w", id, t.ref, err)
		}
		rows = append(rows, row)
	}
	return rows, it.Error()
}

// Scan merges the rows of the given segments that fall into any of the ranges.
// For each key the newest version wins; the result is ordered by token, then key.
func (t *Table) Scan(segments []Segment, ranges []dht.Range) ([]Row, error) {
	merged := make(map[string]Row)

	for _, seg := range segments {
		if !seg.Bounds().IntersectsAny(ranges) {
			continue
		}
		rows, err := t.readSegment(seg.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !dht.ContainsAny(ranges, row.Token) {
				continue
			}
			if existing, ok := merged[row.Key]; !ok || row.supersedes(existing) {
				merged[row.Key] = row
			}
		}
	}

	out := make([]Row, 0, len(merged))
	for _, row := range merged {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ScanLive is Scan over the live, non-index segments.
func (t *Table) ScanLive(ranges []dht.Range) ([]Row, error) {
	var segs []Segment
	for _, seg := range t.Segments() {
		if !seg.LocalIndex {
			segs = append(segs, seg)
		}
	}
	return t.Scan(segs, ranges)
}
