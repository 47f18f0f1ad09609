// Package techstore provides a BadgerDB-backed cache of technique
// containers, keyed by content hash with a secondary name index.
//
// Records are CBOR encoded in canonical mode and carry the container with
// a zstd-compressed body, so a stored technique round-trips byte for byte
// through the loader.
package techstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fortiblox/tfxvm/pkg/tfx/loader"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("techstore")

// Key prefixes.
var (
	// prefixTechnique + hash (32 bytes) -> Record
	prefixTechnique = []byte{0x01}

	// prefixName + name -> hash
	prefixName = []byte{0x02}
)

// Store errors.
var (
	ErrNotFound = errors.New("technique not found")
	ErrClosed   = errors.New("technique store closed")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("techstore: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Config contains configuration for the store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger badger.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Logger: commonlog.GetLogger("techstore.badger"),
	}
}

// Record is a stored technique.
type Record struct {
	Hash      types.Hash `cbor:"1,keyasint" json:"hash"`
	Name      string     `cbor:"2,keyasint" json:"name"`
	Source    string     `cbor:"3,keyasint" json:"source,omitempty"`
	AddedAt   int64      `cbor:"4,keyasint" json:"addedAt"`
	Registers int        `cbor:"5,keyasint" json:"registers"`
	Size      uint32     `cbor:"6,keyasint" json:"size"`
	Container []byte     `cbor:"7,keyasint" json:"-"`
}

// Store is a BadgerDB-backed technique store.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func techniqueKey(h types.Hash) []byte {
	key := make([]byte, 1+types.HashSize)
	key[0] = prefixTechnique[0]
	copy(key[1:], h[:])
	return key
}

func nameKey(name string) []byte {
	return append(append([]byte{}, prefixName...), name...)
}

// Put stores a technique. Storing an existing hash refreshes its record.
func (s *Store) Put(t *loader.Technique, source string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	container, err := loader.Encode(t, true)
	if err != nil {
		return nil, fmt.Errorf("encode technique: %w", err)
	}
	rec := &Record{
		Hash:      t.Hash,
		Name:      t.Name,
		Source:    source,
		AddedAt:   time.Now().Unix(),
		Registers: t.Program.Limits.Registers,
		Size:      t.Binding.Size,
		Container: container,
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(techniqueKey(t.Hash), data); err != nil {
			return err
		}
		if t.Name != "" {
			return txn.Set(nameKey(t.Name), t.Hash.Bytes())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store technique: %w", err)
	}

	log.Debugf("stored technique %s (%s)", t.Name, t.Hash.Short())
	return rec, nil
}

// Record returns the stored record of a hash.
func (s *Store) Record(h types.Hash) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(techniqueKey(h))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get loads a stored technique.
func (s *Store) Get(h types.Hash) (*loader.Technique, error) {
	rec, err := s.Record(h)
	if err != nil {
		return nil, err
	}
	return loader.Load(rec.Container)
}

// Lookup resolves a technique name to its hash.
func (s *Store) Lookup(name string) (types.Hash, error) {
	if s.closed.Load() {
		return types.Hash{}, ErrClosed
	}

	var h types.Hash
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != types.HashSize {
				return fmt.Errorf("corrupt name index entry for %q", name)
			}
			copy(h[:], val)
			return nil
		})
	})
	return h, err
}

// Delete removes a technique and its name entry if it still points at it.
func (s *Store) Delete(h types.Hash) error {
	rec, err := s.Record(h)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(techniqueKey(h)); err != nil {
			return err
		}
		if rec.Name == "" {
			return nil
		}
		item, err := txn.Get(nameKey(rec.Name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if bytes.Equal(current, h[:]) {
			return txn.Delete(nameKey(rec.Name))
		}
		return nil
	})
}

// Iterate calls fn for every record in hash order. Returning an error from
// fn stops iteration.
func (s *Store) Iterate(fn func(rec *Record) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixTechnique
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every record without its container bytes.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.Iterate(func(rec *Record) error {
		rec.Container = nil
		out = append(out, *rec)
		return nil
	})
	return out, err
}

// Warm loads every stored technique into an executor cache. Records that
// no longer load are skipped and counted.
func (s *Store) Warm(c *executor.Cache) (loaded, skipped int, err error) {
	err = s.Iterate(func(rec *Record) error {
		if _, err := c.Load(rec.Container); err != nil {
			skipped++
			return nil
		}
		loaded++
		return nil
	})
	return loaded, skipped, err
}
