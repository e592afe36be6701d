// Package storage is the node's local storage engine. Tables are sets of
// immutable segments kept in goleveldb; the engine also owns the validation
// executor (read-only scans feeding fingerprint digests) and anti-compaction.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	DefaultValidationWorkers = 2
	DefaultValidationQueue   = 64
)

type Options struct {
	ValidationWorkers int
	ValidationQueue   int
	Logger            zerolog.Logger
}

type Engine struct {
	db     *leveldb.DB
	logger zerolog.Logger

	mu     sync.RWMutex
	tables map[TableRef]*Table

	validations chan validationTask

	// lifeMu orders wg.Add in background work against close(closed).
	lifeMu    sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens (or creates) an engine backed by a leveldb directory.
func Open(path string, opts Options) (*Engine, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return newEngine(db, opts)
}

// OpenInMemory opens an engine whose data lives only in memory.
func OpenInMemory(opts Options) (*Engine, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newEngine(db, opts)
}

func newEngine(db *leveldb.DB, opts Options) (*Engine, error) {
	if opts.ValidationWorkers <= 0 {
		opts.ValidationWorkers = DefaultValidationWorkers
	}
	if opts.ValidationQueue <= 0 {
		opts.ValidationQueue = DefaultValidationQueue
	}

	e := &Engine{
		db:          db,
		logger:      opts.Logger.With().Str("component", "storage").Logger(),
		tables:      make(map[TableRef]*Table),
		validations: make(chan validationTask, opts.ValidationQueue),
		closed:      make(chan struct{}),
	}

	if err := e.loadTables(); err != nil {
		db.Close()
		return nil, err
	}

	for i := 0; i < opts.ValidationWorkers; i++ {
		e.wg.Add(1)
		go e.validationWorker()
	}

	return e, nil
}

func (e *Engine) loadTables() error {
	it := e.db.NewIterator(util.BytesPrefix([]byte{tablePrefix, separatorByte}), nil)
	defer it.Release()

	for it.Next() {
		var ref TableRef
		if err := json.Unmarshal(it.Value(), &ref); err != nil {
			return fmt.Errorf("decode table definition: %w", err)
		}
		t := newTable(ref, e.db)
		if err := t.load(); err != nil {
			return err
		}
		e.tables[ref] = t
	}
	return it.Error()
}

// Close stops the validation workers, waits for running anti-compactions and
// closes the database.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.lifeMu.Lock()
		close(e.closed)
		e.lifeMu.Unlock()
		e.wg.Wait()
		err = e.db.Close()
	})
	return err
}

// CreateTable defines a table. Creating an existing table returns it along with ErrTableExists.
func (e *Engine) CreateTable(ref TableRef) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.tables[ref]; ok {
		return t, ErrTableExists
	}

	def, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	if err := e.db.Put(tableKey(ref), def, nil); err != nil {
		return nil, fmt.Errorf("create table %s: %w", ref, err)
	}

	t := newTable(ref, e.db)
	e.tables[ref] = t
	e.logger.Debug().Str("table", ref.String()).Msg("Created table")
	return t, nil
}

// EnsureTable creates the table if it does not exist yet.
func (e *Engine) EnsureTable(ref TableRef) (*Table, error) {
	t, err := e.CreateTable(ref)
	if err == ErrTableExists {
		return t, nil
	}
	return t, err
}

// DropTable forgets a table. Its data stays on disk until overwritten.
func (e *Engine) DropTable(ref TableRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[ref]; !ok {
		return &UnknownTableError{Keyspace: ref.Keyspace, Table: ref.Table}
	}
	if err := e.db.Delete(tableKey(ref), nil); err != nil {
		return err
	}
	delete(e.tables, ref)
	return nil
}

// Table resolves a keyspace/table pair to its live handle.
func (e *Engine) Table(keyspace, name string) (*Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tables[TableRef{Keyspace: keyspace, Table: name}]
	if !ok {
		return nil, &UnknownTableError{Keyspace: keyspace, Table: name}
	}
	return t, nil
}

// Tables lists the defined tables ordered by name.
func (e *Engine) Tables() []TableRef {
	e.mu.RLock()
	defer e.mu.RUnlock()

	refs := make([]TableRef, 0, len(e.tables))
	for ref := range e.tables {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}
