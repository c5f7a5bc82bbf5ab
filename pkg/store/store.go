// Package store is the local persistence layer: a TTL cache, append-only
// attack-finding history, and maintainer snapshots, all in one bbolt file.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/icarusprotection/provchain/pkg/types"
)

var (
	// ErrUnavailable means the backing file could not be opened or written.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound means the requested finding id is unknown.
	ErrNotFound = errors.New("finding not found")
)

var (
	bucketCache      = []byte("cache")
	bucketFindings   = []byte("findings")
	bucketFindingIDs = []byte("finding_ids")
	bucketSnapshots  = []byte("snapshots")
)

// For testing.
var timeNow = time.Now

// Store is safe for concurrent use. bbolt serializes writers on a single
// update transaction while readers proceed on their own snapshots, which
// gives the per-key write serialization the detectors rely on.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCache, bucketFindings, bucketFindingIDs, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing buckets: %v", ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type cacheEntry struct {
	StoredAt time.Time       `json:"storedAt"`
	TTL      time.Duration   `json:"ttl"`
	Value    json.RawMessage `json:"value"`
}

// Get returns the cached value for key, or ok=false when the key is absent
// or expired. Expired entries are removed lazily.
func (s *Store) Get(key string) ([]byte, bool) {
	var entry cacheEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCache).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		log.Warnf("cache read for %q failed: %v", key, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	if timeNow().Sub(entry.StoredAt) >= entry.TTL {
		// Logically a miss already; drop the stale entry in passing.
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketCache).Delete([]byte(key))
		}); err != nil {
			log.Debugf("evicting expired cache key %q: %v", key, err)
		}
		return nil, false
	}
	return entry.Value, true
}

// Put stores value under key, replacing any existing entry.
func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	entry := cacheEntry{StoredAt: timeNow(), TTL: ttl, Value: value}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: cache put: %v", ErrUnavailable, err)
	}
	return nil
}

// reverseStamp orders bucket keys newest-first under a forward cursor scan.
func reverseStamp(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.MaxInt64-uint64(t.UnixNano()))
	return b[:]
}

// reverseSeq breaks ties between equal stamps so the latest write sorts
// first instead of overwriting.
func reverseSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.MaxUint64-seq)
	return b[:]
}

// AppendFinding persists a new immutable finding and returns it with its
// assigned id. Findings for one package live in a per-package sub-bucket so
// unrelated packages never contend.
func (s *Store) AppendFinding(f types.AttackFinding) (types.AttackFinding, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.DetectedAt.IsZero() {
		f.DetectedAt = timeNow()
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return f, fmt.Errorf("encoding finding: %w", err)
	}
	key := append(reverseStamp(f.DetectedAt), []byte(f.ID)...)
	err = s.db.Update(func(tx *bolt.Tx) error {
		pkg, err := tx.Bucket(bucketFindings).CreateBucketIfNotExists([]byte(f.Package.Key()))
		if err != nil {
			return err
		}
		if err := pkg.Put(key, raw); err != nil {
			return err
		}
		// Secondary index so MarkResolved can go from id to record.
		locator, err := json.Marshal(findingLocator{Package: f.Package.Key(), Key: key})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFindingIDs).Put([]byte(f.ID), locator)
	})
	if err != nil {
		return f, fmt.Errorf("%w: appending finding: %v", ErrUnavailable, err)
	}
	return f, nil
}

type findingLocator struct {
	Package string `json:"package"`
	Key     []byte `json:"key"`
}

// ListFindings returns findings for a package ordered newest-first. A limit
// of 0 or less returns the full history.
func (s *Store) ListFindings(pkg types.PackageIdentity, limit int) ([]types.AttackFinding, error) {
	var out []types.AttackFinding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFindings).Bucket([]byte(pkg.Key()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var f types.AttackFinding
			if err := json.Unmarshal(v, &f); err != nil {
				log.Warnf("skipping corrupt finding record for %s: %v", pkg, err)
				continue
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing findings: %v", ErrUnavailable, err)
	}
	return out, nil
}

// MarkResolved flips the resolved flag on a persisted finding. This is the
// only mutation the history permits.
func (s *Store) MarkResolved(findingID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFindingIDs).Get([]byte(findingID))
		if raw == nil {
			return ErrNotFound
		}
		var loc findingLocator
		if err := json.Unmarshal(raw, &loc); err != nil {
			return err
		}
		pkg := tx.Bucket(bucketFindings).Bucket([]byte(loc.Package))
		if pkg == nil {
			return ErrNotFound
		}
		rec := pkg.Get(loc.Key)
		if rec == nil {
			return ErrNotFound
		}
		var f types.AttackFinding
		if err := json.Unmarshal(rec, &f); err != nil {
			return err
		}
		f.Resolved = true
		updated, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return pkg.Put(loc.Key, updated)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: resolving finding %s: %v", ErrUnavailable, findingID, err)
	}
	return nil
}

// RecordMaintainerSnapshot appends a roster snapshot for a package.
func (s *Store) RecordMaintainerSnapshot(pkg types.PackageIdentity, snap types.MaintainerSnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = timeNow()
	}
	snap.Package = pkg.Key()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketSnapshots).CreateBucketIfNotExists([]byte(pkg.Key()))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(append(reverseStamp(snap.TakenAt), reverseSeq(seq)...), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: recording snapshot: %v", ErrUnavailable, err)
	}
	return nil
}

// LatestMaintainerSnapshot returns the most recent roster for a package, or
// nil when none has been recorded.
func (s *Store) LatestMaintainerSnapshot(pkg types.PackageIdentity) (*types.MaintainerSnapshot, error) {
	var snap *types.MaintainerSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots).Bucket([]byte(pkg.Key()))
		if b == nil {
			return nil
		}
		_, v := b.Cursor().First()
		if v == nil {
			return nil
		}
		var decoded types.MaintainerSnapshot
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}
		snap = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %v", ErrUnavailable, err)
	}
	return snap, nil
}
