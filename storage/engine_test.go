package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := OpenInMemory(Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestTable(t *testing.T, e *Engine) *Table {
	t.Helper()
	tbl, err := e.CreateTable(TableRef{Keyspace: "ks", Table: "users"})
	require.NoError(t, err)
	return tbl
}

func row(key string, token dht.Token, ts int64) Row {
	return Row{Key: key, Token: token, Value: []byte(key), Timestamp: ts}
}

func tombstone(key string, token dht.Token, ts, deletedAt int64) Row {
	return Row{Key: key, Token: token, Timestamp: ts, Deleted: true, LocalDeletionTime: deletedAt}
}

type fakeValidation struct {
	snapshot string
	rng      dht.Range
	gcBefore int64

	mu   sync.Mutex
	rows []Row
	err  error
	done chan struct{}
}

func newFakeValidation(snapshot string, rng dht.Range, gcBefore int64) *fakeValidation {
	return &fakeValidation{snapshot: snapshot, rng: rng, gcBefore: gcBefore, done: make(chan struct{})}
}

func (f *fakeValidation) SnapshotName() string { return f.snapshot }
func (f *fakeValidation) Range() dht.Range     { return f.rng }
func (f *fakeValidation) GCBefore() int64      { return f.gcBefore }

func (f *fakeValidation) Add(r Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, r)
}

func (f *fakeValidation) Complete() { close(f.done) }

func (f *fakeValidation) Fail(err error) {
	f.err = err
	close(f.done)
}

func (f *fakeValidation) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("validation did not finish")
	}
}

func keys(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Key)
	}
	return out
}

func TestEngine_TableLookup(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	got, err := e.Table("ks", "users")
	require.NoError(t, err)
	assert.Same(t, tbl, got)

	_, err = e.Table("ks", "missing")
	require.Error(t, err)
	assert.True(t, IsUnknownTable(err))

	var unknown *UnknownTableError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "missing", unknown.Table)

	again, err := e.CreateTable(tbl.Ref())
	assert.ErrorIs(t, err, ErrTableExists)
	assert.Same(t, tbl, again)

	ensured, err := e.EnsureTable(tbl.Ref())
	require.NoError(t, err)
	assert.Same(t, tbl, ensured)

	require.NoError(t, e.DropTable(tbl.Ref()))
	_, err = e.Table("ks", "users")
	assert.True(t, IsUnknownTable(err))
}

func TestTableRef_Parse(t *testing.T) {
	ref, err := ParseTableRef("ks.users")
	require.NoError(t, err)
	assert.Equal(t, TableRef{Keyspace: "ks", Table: "users"}, ref)

	for _, bad := range []string{"", "ks", ".users", "ks."} {
		_, err := ParseTableRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestTable_FlushEmpty(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush(nil)
	assert.ErrorIs(t, err, ErrEmptySegment)
}

func TestTable_FlushRecordsBounds(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	seg, err := tbl.Flush([]Row{row("a", 50, 1), row("b", -20, 1), row("c", 10, 1)})
	require.NoError(t, err)

	assert.Equal(t, dht.Token(-20), seg.First)
	assert.Equal(t, dht.Token(50), seg.Last)
	assert.Equal(t, 3, seg.Rows)
	assert.False(t, seg.IsRepaired())
	assert.False(t, seg.LocalIndex)

	idx, err := tbl.Flush([]Row{row("i", 1, 1)}, AsLocalIndex(), WithRepairedAt(77))
	require.NoError(t, err)
	assert.True(t, idx.LocalIndex)
	assert.Equal(t, int64(77), idx.RepairedAt)
	assert.Len(t, tbl.Segments(), 2)
}

func TestTable_FlushKeepsZeroToken(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	require.NotEqual(t, dht.Token(0), dht.TokenOfString("origin"))
	seg, err := tbl.Flush([]Row{row("origin", 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, dht.Token(0), seg.First)
	assert.Equal(t, dht.Token(0), seg.Last)

	rows, err := tbl.ScanLive([]dht.Range{dht.NewRange(-1, 0)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, dht.Token(0), rows[0].Token)
}

func TestTable_ScanNewestWins(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush([]Row{row("a", 10, 1), row("b", 20, 1), row("c", 30, 1)})
	require.NoError(t, err)

	newer := row("b", 20, 5)
	newer.Value = []byte("updated")
	_, err = tbl.Flush([]Row{newer, tombstone("c", 30, 5, 100)})
	require.NoError(t, err)

	rows, err := tbl.ScanLive([]dht.Range{dht.NewRange(0, 25)})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys(rows))
	assert.Equal(t, []byte("updated"), rows[1].Value)

	rows, err = tbl.ScanLive([]dht.Range{dht.FullRing()})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys(rows))
	assert.True(t, rows[2].Deleted)
}

func TestTable_ScanSkipsLocalIndex(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush([]Row{row("a", 10, 1)})
	require.NoError(t, err)
	_, err = tbl.Flush([]Row{row("idx", 11, 1)}, AsLocalIndex())
	require.NoError(t, err)

	rows, err := tbl.ScanLive([]dht.Range{dht.FullRing()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys(rows))
}

func TestTable_SnapshotIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush([]Row{row("a", 10, 1)})
	require.NoError(t, err)
	_, err = tbl.Flush([]Row{row("x", 500, 1)})
	require.NoError(t, err)
	_, err = tbl.Flush([]Row{row("idx", 12, 1)}, AsLocalIndex())
	require.NoError(t, err)

	rng := dht.NewRange(0, 100)
	keep := func(s Segment) bool { return !s.LocalIndex && s.Bounds().Intersects(rng) }

	n, err := tbl.Snapshot("s1", keep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A segment flushed after the first snapshot must not join a retried one.
	_, err = tbl.Flush([]Row{row("b", 20, 1)})
	require.NoError(t, err)

	n, err = tbl.Snapshot("s1", keep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	segs, ok := tbl.SnapshotSegments("s1")
	require.True(t, ok)
	require.Len(t, segs, 1)
	assert.Equal(t, dht.Token(10), segs[0].First)

	n, err = tbl.Snapshot("empty", func(Segment) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, tbl.HasSnapshot("empty"))

	_, err = tbl.Snapshot("", keep)
	assert.Error(t, err)

	require.NoError(t, tbl.ClearSnapshot("s1"))
	assert.False(t, tbl.HasSnapshot("s1"))
}

func TestEngine_ValidationReadsSnapshotAndClearsIt(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush([]Row{row("a", 10, 1), row("b", 20, 1)})
	require.NoError(t, err)
	_, err = tbl.Snapshot("session", nil)
	require.NoError(t, err)

	// Not part of the snapshot, so invisible to the validation.
	_, err = tbl.Flush([]Row{row("late", 15, 1)})
	require.NoError(t, err)

	v := newFakeValidation("session", dht.NewRange(0, 100), 0)
	require.NoError(t, e.SubmitValidation(tbl, v))
	v.wait(t)

	require.NoError(t, v.err)
	assert.Equal(t, []string{"a", "b"}, keys(v.rows))
	assert.False(t, tbl.HasSnapshot("session"))
}

func TestEngine_ValidationWithoutSnapshotReadsLiveData(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := tbl.Flush([]Row{
		row("a", 10, 1),
		tombstone("old", 20, 1, 100),
		tombstone("fresh", 30, 1, 5000),
		row("outside", 200, 1),
	})
	require.NoError(t, err)

	v := newFakeValidation("no-such-snapshot", dht.NewRange(0, 100), 1000)
	require.NoError(t, e.SubmitValidation(tbl, v))
	v.wait(t)

	require.NoError(t, v.err)
	assert.Equal(t, []string{"a", "fresh"}, keys(v.rows), "purgeable tombstones are skipped")
}

func TestEngine_SubmitValidationAfterClose(t *testing.T) {
	e, err := OpenInMemory(Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	tbl := newTestTable(t, e)
	require.NoError(t, e.Close())

	err = e.SubmitValidation(tbl, newFakeValidation("", dht.FullRing(), 0))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func waitAll(t *testing.T, futures []Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		require.NoError(t, f.Wait(ctx))
	}
}

func TestEngine_AntiCompactMarksContainedSegments(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	inside, err := tbl.Flush([]Row{row("a", 10, 1), row("b", 20, 1)})
	require.NoError(t, err)
	outside, err := tbl.Flush([]Row{row("z", 500, 1)})
	require.NoError(t, err)

	futures, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.NewRange(0, 100)}, 1234)
	require.NoError(t, err)
	require.Len(t, futures, 1)
	waitAll(t, futures)

	segs := tbl.Segments()
	require.Len(t, segs, 2)
	for _, s := range segs {
		switch s.ID {
		case inside.ID:
			assert.Equal(t, int64(1234), s.RepairedAt)
		case outside.ID:
			assert.False(t, s.IsRepaired())
		default:
			t.Fatalf("unexpected segment %d", s.ID)
		}
	}
}

func TestEngine_AntiCompactSplitsPartialSegments(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	orig, err := tbl.Flush([]Row{row("a", 10, 1), row("b", 20, 1), row("z", 500, 1)})
	require.NoError(t, err)

	futures, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.NewRange(0, 100)}, 99)
	require.NoError(t, err)
	waitAll(t, futures)

	segs := tbl.Segments()
	require.Len(t, segs, 2)

	var repaired, unrepaired []Segment
	for _, s := range segs {
		assert.NotEqual(t, orig.ID, s.ID)
		if s.IsRepaired() {
			repaired = append(repaired, s)
		} else {
			unrepaired = append(unrepaired, s)
		}
	}
	require.Len(t, repaired, 1)
	require.Len(t, unrepaired, 1)
	assert.Equal(t, int64(99), repaired[0].RepairedAt)
	assert.Equal(t, 2, repaired[0].Rows)
	assert.Equal(t, 1, unrepaired[0].Rows)

	rows, err := tbl.ScanLive([]dht.Range{dht.FullRing()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "z"}, keys(rows))

	// The original segment's rows are gone.
	leftover, err := tbl.readSegment(orig.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestEngine_AntiCompactKeepsSnapshottedSegments(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	orig, err := tbl.Flush([]Row{row("a", 10, 1), row("z", 500, 1)})
	require.NoError(t, err)
	_, err = tbl.Snapshot("held", nil)
	require.NoError(t, err)

	futures, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.NewRange(0, 100)}, 7)
	require.NoError(t, err)
	waitAll(t, futures)

	segs, ok := tbl.SnapshotSegments("held")
	require.True(t, ok)
	require.Len(t, segs, 1)
	assert.Equal(t, orig.ID, segs[0].ID)

	rows, err := tbl.Scan(segs, []dht.Range{dht.FullRing()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, keys(rows))

	require.NoError(t, tbl.ClearSnapshot("held"))
	leftover, err := tbl.readSegment(orig.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestEngine_AntiCompactSkipsRepairedAndIndexSegments(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	already, err := tbl.Flush([]Row{row("a", 10, 1)}, WithRepairedAt(5))
	require.NoError(t, err)
	idx, err := tbl.Flush([]Row{row("i", 11, 1)}, AsLocalIndex())
	require.NoError(t, err)

	futures, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.FullRing()}, 50)
	require.NoError(t, err)
	waitAll(t, futures)

	for _, s := range tbl.Segments() {
		switch s.ID {
		case already.ID:
			assert.Equal(t, int64(5), s.RepairedAt)
		case idx.ID:
			assert.False(t, s.IsRepaired())
		}
	}
}

func TestEngine_AntiCompactRequiresTimestamp(t *testing.T) {
	e := newTestEngine(t)
	tbl := newTestTable(t, e)

	_, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.FullRing()}, UnrepairedAt)
	assert.Error(t, err)
}

func TestEngine_CloseWaitsForAntiCompaction(t *testing.T) {
	e, err := OpenInMemory(Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	tbl := newTestTable(t, e)

	for i := 0; i < 50; i++ {
		_, err := tbl.Flush([]Row{row("a", dht.Token(i), 1), row("z", dht.Token(1000+i), 1)})
		require.NoError(t, err)
	}

	futures, err := e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.NewRange(-1, 100)}, 42)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Close returned, so every run has finished or stopped early.
	for _, f := range futures {
		select {
		case <-f.(*future).done:
		default:
			t.Fatal("anti-compaction still running after Close")
		}
		if err := f.(*future).err; err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	}

	_, err = e.AntiCompact(context.Background(), []*Table{tbl}, []dht.Range{dht.FullRing()}, 43)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_ReopenLoadsTables(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	tbl := newTestTable(t, e)
	_, err = tbl.Flush([]Row{row("a", 10, 1)}, WithRepairedAt(3))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(dir, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer e.Close()

	reopened, err := e.Table("ks", "users")
	require.NoError(t, err)
	segs := reopened.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, int64(3), segs[0].RepairedAt)

	next, err := reopened.Flush([]Row{row("b", 20, 1)})
	require.NoError(t, err)
	assert.Greater(t, next.ID, segs[0].ID)
}
