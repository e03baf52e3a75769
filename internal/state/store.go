// Package state persists run bookkeeping across process restarts: the sync
// watermark, per-date done markers, and the (msg_id, changekey) dedupe set.
// Everything lives in a single bbolt file under the state directory; artifact
// files themselves are written with AtomicWriteFile.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketWatermark = []byte("watermark")
	bucketRuns      = []byte("runs")
	bucketDedupe    = []byte("dedupe")

	keyWatermark = []byte("current")
)

// ErrNoWatermark reports that no watermark has been persisted yet; the caller
// falls back to the default look-back horizon.
var ErrNoWatermark = errors.New("no watermark stored")

// ErrCorrupted reports that the stored watermark could not be decoded; the
// caller must run a full sweep and re-seat it.
var ErrCorrupted = errors.New("watermark corrupted")

// Watermark is the incremental-sync cursor: an opaque source token plus the
// time of the last full sweep.
type Watermark struct {
	Token   string    `json:"token"`
	SweptAt time.Time `json:"swept_at"`
}

// RunRecord marks a completed (user, digest_date) run and the artifacts it
// produced.
type RunRecord struct {
	DigestDate  string    `json:"digest_date"`
	CompletedAt time.Time `json:"completed_at"`
	Artifacts   []string  `json:"artifacts"`
}

// Store wraps the bbolt database. Open creates the file and buckets on first
// use; Close must be called before the process exits.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketWatermark, bucketRuns, bucketDedupe} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadWatermark returns the stored cursor, ErrNoWatermark when none exists,
// or ErrCorrupted when the stored bytes do not decode.
func (s *Store) LoadWatermark() (Watermark, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketWatermark).Get(keyWatermark); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Watermark{}, err
	}
	if raw == nil {
		return Watermark{}, ErrNoWatermark
	}
	var w Watermark
	if err := json.Unmarshal(raw, &w); err != nil {
		return Watermark{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if w.SweptAt.IsZero() {
		return Watermark{}, fmt.Errorf("%w: missing sweep timestamp", ErrCorrupted)
	}
	return w, nil
}

// SaveWatermark replaces the cursor. Callers invoke this only after a
// successful run.
func (s *Store) SaveWatermark(w Watermark) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatermark).Put(keyWatermark, raw)
	})
}

// ClearWatermark drops the cursor, forcing the next run onto the sweep path.
func (s *Store) ClearWatermark() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatermark).Delete(keyWatermark)
	})
}

// MarkRunDone records a completed run for its digest date.
func (s *Store) MarkRunDone(rec RunRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(rec.DigestDate), raw)
	})
}

// RunDone returns the completion record for a digest date, if any.
func (s *Store) RunDone(digestDate string) (RunRecord, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRuns).Get([]byte(digestDate)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return RunRecord{}, false, err
	}
	var rec RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A run marker that does not decode is treated as absent; the run is
		// simply rebuilt.
		return RunRecord{}, false, nil
	}
	return rec, true, nil
}

func dedupeKey(msgID, changeKey string) []byte {
	return []byte(msgID + "\x00" + changeKey)
}

// Seen reports whether a (msg_id, changekey) pair was already processed.
func (s *Store) Seen(msgID, changeKey string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketDedupe).Get(dedupeKey(msgID, changeKey)) != nil
		return nil
	})
	return found, err
}

// MarkSeen records a batch of processed (msg_id, changekey) pairs in one
// transaction.
func (s *Store) MarkSeen(pairs map[string]string) error {
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedupe)
		for msgID, changeKey := range pairs {
			if err := b.Put(dedupeKey(msgID, changeKey), now); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneSeen drops dedupe entries recorded before cutoff, bounding the bucket.
func (s *Store) PruneSeen(cutoff time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedupe)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ts time.Time
			if err := ts.UnmarshalText(v); err != nil || ts.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// AtomicWriteFile writes data to path via a temp file and rename, so readers
// never observe a partial artifact.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
