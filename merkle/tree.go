// Package merkle builds the fingerprint digests exchanged during validation.
//
// A Tree covers one token range split into 2^depth equal leaves. Each leaf is
// the XOR of the hashes of the rows whose tokens fall into it, so the order in
// which rows are added does not matter. Inner nodes hash their two children and
// are derived from the leaves; only the leaves travel over the wire.
//
//	depth | leaves | wire size (approx)
//	8     | 256    | 5 KiB
//	10    | 1024   | 20 KiB
//	15    | 32768  | 640 KiB
package merkle

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

const (
	MinDepth     uint8 = 1
	DefaultDepth uint8 = 10
	MaxDepth     uint8 = 20
)

var (
	ErrInvalidDepth      = fmt.Errorf("depth must be between %d and %d", MinDepth, MaxDepth)
	ErrIncompatibleTrees = errors.New("trees cover different ranges or depths")
)

type Tree struct {
	mu     sync.Mutex
	rng    dht.Range
	depth  uint8
	nodes  []uint64 // heap layout: 1 is the root, leaves start at 1<<depth
	sealed bool
	rows   int64
}

func New(rng dht.Range, depth uint8) (*Tree, error) {
	if depth < MinDepth || depth > MaxDepth {
		return nil, ErrInvalidDepth
	}

	return &Tree{
		rng:   rng,
		depth: depth,
		nodes: make([]uint64, 2<<depth),
	}, nil
}

func (t *Tree) Range() dht.Range {
	return t.rng
}

func (t *Tree) Depth() uint8 {
	return t.depth
}

// RowCount is the number of rows folded into the tree.
func (t *Tree) RowCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Add folds a row hash into the leaf owning token. Tokens outside the tree's
// range are ignored.
func (t *Tree) Add(token dht.Token, rowHash uint64) {
	if !t.rng.Contains(token) {
		return
	}

	leaf := t.leafIndex(token)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes[(1<<t.depth)+leaf] ^= rowHash
	t.sealed = false
	t.rows++
}

// Root returns the root hash, recomputing inner nodes if rows were added since
// the last call.
func (t *Tree) Root() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seal()
	return t.nodes[1]
}

func (t *Tree) seal() {
	if t.sealed {
		return
	}

	var buf [16]byte
	for i := (1 << t.depth) - 1; i >= 1; i-- {
		binary.BigEndian.PutUint64(buf[:8], t.nodes[2*i])
		binary.BigEndian.PutUint64(buf[8:], t.nodes[2*i+1])
		t.nodes[i] = xxhash.Sum64(buf[:])
	}
	t.sealed = true
}

// leafIndex maps a token inside the range to its leaf. Leaf i owns offsets
// (ceil(i*w/n), ceil((i+1)*w/n)] measured from Left.
func (t *Tree) leafIndex(token dht.Token) uint64 {
	offset := uint64(token) - uint64(t.rng.Left)

	if t.rng.IsFullRing() {
		return (offset - 1) >> (64 - t.depth)
	}

	n := uint64(1) << t.depth
	hi, lo := bits.Mul64(offset-1, n)
	q, _ := bits.Div64(hi, lo, t.rng.Width())
	return q
}

// leafBoundary is the offset from Left at which leaf i begins (exclusive).
func (t *Tree) leafBoundary(i uint64) uint64 {
	if t.rng.IsFullRing() {
		if i == uint64(1)<<t.depth {
			return 0
		}
		return i << (64 - t.depth)
	}

	n := uint64(1) << t.depth
	w := t.rng.Width()
	hi, lo := bits.Mul64(i, w)
	q, r := bits.Div64(hi, lo, n)
	if r > 0 {
		q++
	}
	return q
}

// LeafRange returns the token range owned by leaf i.
func (t *Tree) LeafRange(i uint64) dht.Range {
	left := dht.Token(uint64(t.rng.Left) + t.leafBoundary(i))
	right := dht.Token(uint64(t.rng.Left) + t.leafBoundary(i+1))
	return dht.NewRange(left, right)
}

// Difference returns the token ranges whose leaves disagree between a and b.
// Adjacent differing leaves are merged into a single range.
func Difference(a, b *Tree) ([]dht.Range, error) {
	if a.rng != b.rng || a.depth != b.depth {
		return nil, ErrIncompatibleTrees
	}

	if a == b {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	a.seal()
	b.seal()

	var leaves []uint64
	var walk func(node uint64)
	walk = func(node uint64) {
		if a.nodes[node] == b.nodes[node] {
			return
		}
		if node >= uint64(1)<<a.depth {
			leaves = append(leaves, node-(uint64(1)<<a.depth))
			return
		}
		walk(2 * node)
		walk(2*node + 1)
	}
	walk(1)

	var diffs []dht.Range
	for i := 0; i < len(leaves); {
		j := i
		for j+1 < len(leaves) && leaves[j+1] == leaves[j]+1 {
			j++
		}
		first := a.LeafRange(leaves[i])
		last := a.LeafRange(leaves[j])
		diffs = append(diffs, dht.NewRange(first.Left, last.Right))
		i = j + 1
	}
	return diffs, nil
}

type wireTree struct {
	Range  dht.Range `json:"range"`
	Depth  uint8     `json:"depth"`
	Rows   int64     `json:"rows"`
	Leaves []uint64  `json:"leaves"`
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaves := make([]uint64, 1<<t.depth)
	copy(leaves, t.nodes[1<<t.depth:])

	return json.Marshal(wireTree{
		Range:  t.rng,
		Depth:  t.depth,
		Rows:   t.rows,
		Leaves: leaves,
	})
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var w wireTree
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Depth < MinDepth || w.Depth > MaxDepth {
		return ErrInvalidDepth
	}
	if len(w.Leaves) != 1<<w.Depth {
		return fmt.Errorf("tree of depth %d carries %d leaves", w.Depth, len(w.Leaves))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rng = w.Range
	t.depth = w.Depth
	t.rows = w.Rows
	t.nodes = make([]uint64, 2<<w.Depth)
	copy(t.nodes[1<<w.Depth:], w.Leaves)
	t.sealed = false
	return nil
}
