// Package paramstore keeps snapshots of trained settings in an embedded
// badger database, so estimation stages can be resumed and audited across
// runs.
//
// Key layout:
//
//	snap/<job>/<unix nanos, 20 digits>/<id>  -> JSON Snapshot
//	latest/<job>                             -> snapshot key
//
// Snapshot keys sort chronologically under their job prefix.
package paramstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"linkage/internal/model"
)

var (
	// ErrNotFound reports that a job has no snapshot.
	ErrNotFound = errors.New("paramstore: snapshot not found")

	// ErrIncompatible reports that a snapshot was trained for a different
	// comparison structure than the one requested.
	ErrIncompatible = errors.New("paramstore: snapshot fingerprint mismatch")
)

// Snapshot is one saved settings value.
type Snapshot struct {
	ID          string         `json:"id"`
	Job         string         `json:"job"`
	Stage       string         `json:"stage"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
	Settings    model.Settings `json:"settings"`
}

// Options configures Open.
type Options struct {
	Dir      string
	InMemory bool
	// SyncWrites fsyncs each commit.
	SyncWrites bool
}

// Store is safe for concurrent use.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens (or creates) the store. InMemory ignores Dir.
func Open(o Options) (*Store, error) {
	bo := badger.DefaultOptions(o.Dir)
	if o.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithSyncWrites(o.SyncWrites).
		WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("paramstore: open %q: %w", o.Dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores settings as the latest snapshot of job.
func (s *Store) Save(job, stage string, settings model.Settings) (Snapshot, error) {
	if job == "" {
		return Snapshot{}, fmt.Errorf("paramstore: empty job")
	}
	snap := Snapshot{
		ID:          uuid.NewString(),
		Job:         job,
		Stage:       stage,
		Fingerprint: Fingerprint(settings),
		CreatedAt:   s.now().UTC(),
		Settings:    settings.Clone(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("paramstore: encode: %w", err)
	}
	key := snapKey(job, snap.CreatedAt, snap.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(latestKey(job), key)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("paramstore: save %s: %w", job, err)
	}
	return snap, nil
}

// Latest returns the most recently saved snapshot of job.
func (s *Store) Latest(job string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(job))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getSnapshot(txn, key, &snap)
	})
	if err != nil {
		return Snapshot{}, wrap(job, err)
	}
	return snap, nil
}

// LatestCompatible returns the latest snapshot of job, failing with
// ErrIncompatible if it was trained for a different comparison structure
// than want.
func (s *Store) LatestCompatible(job string, want model.Settings) (Snapshot, error) {
	snap, err := s.Latest(job)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Fingerprint != Fingerprint(want) {
		return Snapshot{}, fmt.Errorf("%w: job %s snapshot %s", ErrIncompatible, job, snap.ID)
	}
	return snap, nil
}

// List returns every snapshot of job, oldest first.
func (s *Store) List(job string) ([]Snapshot, error) {
	var out []Snapshot
	prefix := []byte("snap/" + job + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(job, err)
	}
	return out, nil
}

func getSnapshot(txn *badger.Txn, key []byte, snap *Snapshot) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, snap)
	})
}

func wrap(job string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: job %s", ErrNotFound, job)
	}
	return fmt.Errorf("paramstore: job %s: %w", job, err)
}

func snapKey(job string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("snap/%s/%020d/%s", job, at.UnixNano(), id))
}

func latestKey(job string) []byte { return []byte("latest/" + job) }

// Fingerprint hashes the structure of s that trained parameters depend on:
// link type, id columns and every comparison's columns and level conditions.
// Parameter values and provenance do not contribute.
func Fingerprint(s model.Settings) string {
	s = s.WithDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x1f%s\x1f%s", s.LinkType, s.UniqueIDColumn, s.SourceDatasetColumn)
	for _, c := range s.Comparisons {
		fmt.Fprintf(&b, "\x1e%s\x1f%s", c.OutputColumnName, strings.Join(c.InputColumns, ","))
		for _, l := range c.Levels {
			fmt.Fprintf(&b, "\x1d%t\x1f%s", l.IsNullLevel, l.SQLCondition)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
