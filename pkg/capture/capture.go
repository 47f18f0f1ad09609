// Package capture records evaluated frames in a BoltDB file and compares
// them against golden blobs.
//
// Bucket structure:
//   - frames: frame (8 bytes BE) -> Frame metadata (CBOR)
//   - blobs:  frame (8 bytes BE) + instance -> packed blob
//   - golden: instance -> reference blob
package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fortiblox/tfxvm/internal/types"
	"github.com/fortiblox/tfxvm/pkg/tfx/executor"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"
)

var log = commonlog.GetLogger("capture")

// Bucket names.
var (
	bucketFrames = []byte("frames")
	bucketBlobs  = []byte("blobs")
	bucketGolden = []byte("golden")
)

// Capture errors.
var (
	ErrFrameNotFound  = errors.New("frame not found")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrGoldenNotFound = errors.New("golden blob not found")
	ErrClosed         = errors.New("capture store closed")
)

// Config configures a capture store.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync skips fsync after each commit.
	NoSync bool

	// ReadOnly opens the database read-only.
	ReadOnly bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Blob describes one captured instance blob.
type Blob struct {
	Instance  string     `cbor:"1,keyasint" json:"instance"`
	Technique types.Hash `cbor:"2,keyasint" json:"technique"`
	Size      int        `cbor:"3,keyasint" json:"size"`
	Digest    types.Hash `cbor:"4,keyasint" json:"digest"`
	Error     string     `cbor:"5,keyasint,omitempty" json:"error,omitempty"`
}

// Frame is the metadata of a captured frame.
type Frame struct {
	Frame      uint64 `cbor:"1,keyasint" json:"frame"`
	CapturedAt int64  `cbor:"2,keyasint" json:"capturedAt"`
	Failed     int    `cbor:"3,keyasint" json:"failed"`
	Blobs      []Blob `cbor:"4,keyasint" json:"blobs"`
}

// Mismatch is a difference between a captured blob and its golden blob.
type Mismatch struct {
	Instance string `json:"instance"`

	// Offset is the first differing byte, or -1 when only sizes differ.
	Offset  int    `json:"offset"`
	GotSize int    `json:"gotSize"`
	Size    int    `json:"size"`
	Reason  string `json:"reason"`
}

// Store is a BoltDB-backed capture store.
type Store struct {
	db     *bolt.DB
	closed bool
}

// Open opens or creates a capture store.
func Open(cfg Config) (*Store, error) {
	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if !cfg.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketFrames, bucketBlobs, bucketGolden} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func frameKey(frame uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, frame)
	return key
}

func blobKey(frame uint64, instance string) []byte {
	return append(frameKey(frame), instance...)
}

// Record stores a frame result, replacing any earlier capture of the same
// frame number.
func (s *Store) Record(res *executor.FrameResult) (*Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}

	f := &Frame{
		Frame:      res.Frame,
		CapturedAt: time.Now().Unix(),
		Failed:     res.Failed,
		Blobs:      make([]Blob, 0, len(res.Outcomes)),
	}
	for _, o := range res.Outcomes {
		b := Blob{
			Instance:  o.Instance,
			Technique: o.Technique,
			Size:      len(o.Blob),
			Digest:    types.HashBytes(o.Blob),
		}
		if o.Err != nil {
			b.Error = o.Err.Error()
		}
		f.Blobs = append(f.Blobs, b)
	}

	meta, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		prefix := frameKey(res.Frame)
		c := blobs.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for _, o := range res.Outcomes {
			if err := blobs.Put(blobKey(res.Frame, o.Instance), o.Blob); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFrames).Put(prefix, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("record frame %d: %w", res.Frame, err)
	}

	log.Debugf("captured frame %d: %d blobs, %d failed", f.Frame, len(f.Blobs), f.Failed)
	return f, nil
}

// Frame returns the metadata of a captured frame.
func (s *Store) Frame(frame uint64) (*Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var f Frame
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFrames).Get(frameKey(frame))
		if data == nil {
			return ErrFrameNotFound
		}
		return cbor.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Frames returns all captured frame numbers in ascending order.
func (s *Store) Frames() ([]uint64, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var out []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFrames).ForEach(func(k, _ []byte) error {
			if len(k) == 8 {
				out = append(out, binary.BigEndian.Uint64(k))
			}
			return nil
		})
	})
	return out, err
}

// Blob returns a captured blob.
func (s *Store) Blob(frame uint64, instance string) ([]byte, error) {
	return s.get(bucketBlobs, blobKey(frame, instance), ErrBlobNotFound)
}

// Golden returns the golden blob of an instance.
func (s *Store) Golden(instance string) ([]byte, error) {
	return s.get(bucketGolden, []byte(instance), ErrGoldenNotFound)
}

func (s *Store) get(bucket, key []byte, notFound error) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return notFound
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// SetGolden stores the reference blob of an instance.
func (s *Store) SetGolden(instance string, blob []byte) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGolden).Put([]byte(instance), blob)
	})
}

// Promote makes every blob of a captured frame the golden blob of its
// instance.
func (s *Store) Promote(frame uint64) (int, error) {
	f, err := s.Frame(frame)
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		blobs, golden := tx.Bucket(bucketBlobs), tx.Bucket(bucketGolden)
		for _, b := range f.Blobs {
			data := blobs.Get(blobKey(frame, b.Instance))
			if data == nil {
				continue
			}
			if err := golden.Put([]byte(b.Instance), data); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Verify compares a captured frame with the golden blobs. Instances
// without a golden blob are reported as mismatches.
func (s *Store) Verify(frame uint64) ([]Mismatch, error) {
	f, err := s.Frame(frame)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	err = s.db.View(func(tx *bolt.Tx) error {
		blobs, golden := tx.Bucket(bucketBlobs), tx.Bucket(bucketGolden)
		for _, b := range f.Blobs {
			got := blobs.Get(blobKey(frame, b.Instance))
			want := golden.Get([]byte(b.Instance))
			if m, ok := Compare(b.Instance, got, want); !ok {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, err
}

// Compare compares a blob with its golden blob. A nil want means no golden
// blob exists.
func Compare(instance string, got, want []byte) (Mismatch, bool) {
	m := Mismatch{Instance: instance, Offset: -1, GotSize: len(got), Size: len(want)}
	if want == nil {
		m.Reason = "no golden blob"
		return m, false
	}
	n := min(len(got), len(want))
	for i := 0; i < n; i++ {
		if got[i] != want[i] {
			m.Offset = i
			m.Reason = fmt.Sprintf("byte %d differs", i)
			return m, false
		}
	}
	if len(got) != len(want) {
		m.Reason = fmt.Sprintf("size %d, golden %d", len(got), len(want))
		return m, false
	}
	return m, true
}
