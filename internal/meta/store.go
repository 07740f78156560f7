// Package meta implements the per-namespace identity record of spec.md
// §6's persisted state layout: the `meta` file holding `log_id`,
// `generation`, and `last_durable_frame_no`. The teacher keeps this kind
// of record in a bbolt-backed types.MetaStore (go.mod already carries
// go.etcd.io/bbolt); this package generalizes that seam from "raft
// segment list metadata" to "namespace identity plus durable watermark",
// one bbolt bucket per namespace inside a single shared database file.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Load when a namespace has no persisted
// record yet.
var ErrNotFound = errors.New("meta: namespace not found")

// Record is one namespace's identity tuple, per spec.md GLOSSARY:
// log_id is stable across segments of one primary; generation increments
// on every primary restart; LastDurableFrameNo is the backend-confirmed
// watermark (spec.md §3's "durable frame number").
type Record struct {
	LogID              uuid.UUID
	Generation         uint64
	LastDurableFrameNo uint64
}

var bucketName = []byte("namespaces")

// Store is a bbolt-backed table of Records keyed by namespace.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the namespaces bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("meta: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("meta: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the persisted Record for namespace, or ErrNotFound if the
// namespace has never been opened before.
func (s *Store) Load(namespace string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(namespace))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

// Create persists a brand-new Record for namespace, generating a fresh
// log_id and generation 1. It is an error to Create over an existing
// record; callers must Load first.
func (s *Store) Create(namespace string) (Record, error) {
	rec := Record{LogID: uuid.New(), Generation: 1}
	return rec, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(namespace)) != nil {
			return fmt.Errorf("meta: namespace %q already has a record", namespace)
		}
		return b.Put([]byte(namespace), encodeRecord(rec))
	})
}

// BumpGeneration increments namespace's generation counter and returns
// the updated Record. The registry calls it each time it recovers an
// existing namespace from disk, so the generation counts restarts of
// the primary.
func (s *Store) BumpGeneration(namespace string) (Record, error) {
	var rec Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(namespace))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(v)
		if err != nil {
			return err
		}
		rec.Generation++
		return b.Put([]byte(namespace), encodeRecord(rec))
	})
	return rec, err
}

// SetDurableFrameNo persists a new durable-frame-no watermark for
// namespace. Callers (the store scheduler) must only ever call this with
// a non-decreasing value; spec.md §5 requires the notifier be monotone.
func (s *Store) SetDurableFrameNo(namespace string, frameNo uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(namespace))
		if v == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		if frameNo < rec.LastDurableFrameNo {
			return fmt.Errorf("meta: durable frame no must be monotone: have %d, got %d", rec.LastDurableFrameNo, frameNo)
		}
		rec.LastDurableFrameNo = frameNo
		return b.Put([]byte(namespace), encodeRecord(rec))
	})
}

// Namespaces lists every namespace with a persisted record, used by the
// registry to recover all namespaces on startup.
func (s *Store) Namespaces() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

const recordSize = 16 + 8 + 8

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:16], r.LogID[:])
	binary.LittleEndian.PutUint64(buf[16:24], r.Generation)
	binary.LittleEndian.PutUint64(buf[24:32], r.LastDurableFrameNo)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) != recordSize {
		return Record{}, fmt.Errorf("meta: corrupt record (%d bytes)", len(buf))
	}
	var rec Record
	copy(rec.LogID[:], buf[0:16])
	rec.Generation = binary.LittleEndian.Uint64(buf[16:24])
	rec.LastDurableFrameNo = binary.LittleEndian.Uint64(buf[24:32])
	return rec, nil
}
