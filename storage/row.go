package storage

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
)

// TableRef names a table by keyspace and table name.
type TableRef struct {
	Keyspace string `json:"keyspace" yaml:"keyspace"`
	Table    string `json:"table" yaml:"table"`
}

func (r TableRef) String() string {
	return r.Keyspace + "." + r.Table
}

// ParseTableRef parses "keyspace.table".
func ParseTableRef(s string) (TableRef, error) {
	ks, tbl, ok := strings.Cut(s, ".")
	if !ok || ks == "" || tbl == "" {
		return TableRef{}, fmt.Errorf("invalid table reference %q: expected keyspace.table", s)
	}
	return TableRef{Keyspace: ks, Table: tbl}, nil
}

// Row is a single partition entry. Deleted rows are tombstones; they take part
// in validation until they become purgeable. Token is stored as given; NewRow
// and NewTombstone derive it from the key.
type Row struct {
	Key               string    `json:"key"`
	Token             dht.Token `json:"token"`
	Value             []byte    `json:"value,omitempty"`
	Timestamp         int64     `json:"timestamp"`
	Deleted           bool      `json:"deleted,omitempty"`
	LocalDeletionTime int64     `json:"local_deletion_time,omitempty"` // unix seconds
}

// NewRow builds a live row, deriving its token from the key.
func NewRow(key string, value []byte, timestamp int64) Row {
	return Row{
		Key:       key,
		Token:     dht.TokenOfString(key),
		Value:     value,
		Timestamp: timestamp,
	}
}

// NewTombstone builds a deletion marker for key.
func NewTombstone(key string, timestamp, localDeletionTime int64) Row {
	return Row{
		Key:               key,
		Token:             dht.TokenOfString(key),
		Timestamp:         timestamp,
		Deleted:           true,
		LocalDeletionTime: localDeletionTime,
	}
}

// Purgeable reports whether a tombstone is old enough to be dropped.
func (r Row) Purgeable(gcBefore int64) bool {
	return r.Deleted && r.LocalDeletionTime < gcBefore
}

// Digest hashes the row's content for fingerprinting.
func (r Row) Digest() uint64 {
	d := xxhash.New()
	var buf [9]byte

	_, _ = d.WriteString(r.Key)
	_, _ = d.Write(r.Value)
	binary.BigEndian.PutUint64(buf[:8], uint64(r.Timestamp))
	if r.Deleted {
		buf[8] = 1
	}
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// supersedes reports whether r wins over other for the same key.
func (r Row) supersedes(other Row) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	return r.Deleted && !other.Deleted
}

// Key layout:
//
//	t 0x00 <ks.table>                         -> table definition
//	m 0x00 <ks.table> 0x00 <segment id>       -> segment metadata
//	d 0x00 <ks.table> 0x00 <segment id> <token> <key> -> row
const (
	tablePrefix   = 't'
	metaPrefix    = 'm'
	dataPrefix    = 'd'
	separatorByte = 0x00
)

func tableKey(ref TableRef) []byte {
	return append([]byte{tablePrefix, separatorByte}, ref.String()...)
}

func metaTablePrefix(ref TableRef) []byte {
	k := append([]byte{metaPrefix, separatorByte}, ref.String()...)
	return append(k, separatorByte)
}

func metaKey(ref TableRef, id uint64) []byte {
	return binary.BigEndian.AppendUint64(metaTablePrefix(ref), id)
}

func segmentDataPrefix(ref TableRef, id uint64) []byte {
	k := append([]byte{dataPrefix, separatorByte}, ref.String()...)
	k = append(k, separatorByte)
	return binary.BigEndian.AppendUint64(k, id)
}

func rowKey(ref TableRef, id uint64, row Row) []byte {
	k := segmentDataPrefix(ref, id)
	k = binary.BigEndian.AppendUint64(k, sortableToken(row.Token))
	return append(k, row.Key...)
}

// sortableToken flips the sign bit so that byte order matches token order.
func sortableToken(t dht.Token) uint64 {
	return uint64(t) ^ (1 << 63)
}
