package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/kodikgo/kodik/internal/errs"
)

var bucketEntries = []byte("entries")

// BoltStore is a durable cache tier backed by BoltDB. It is the
// mid-band tier: quick single-file storage for small payloads.
type BoltStore struct {
	db *bolt.DB
	// maxEntries is the quota; 0 means unlimited. Put refuses new keys
	// beyond it so the layered cache can run its evict-and-retry path.
	maxEntries int
}

// NewBoltStore opens (creating if needed) a BoltDB file at path.
func NewBoltStore(path string, maxEntries int) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating entries bucket")
	}
	return &BoltStore{db: db, maxEntries: maxEntries}, nil
}

func (s *BoltStore) Get(key string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return errs.ErrNotFound
		}
		var decoded Entry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return errors.Wrap(err, "decoding cache entry")
		}
		e = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *BoltStore) Put(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encoding cache entry")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if s.maxEntries > 0 && b.Get([]byte(e.Key)) == nil && b.Stats().KeyN >= s.maxEntries {
			return errs.ErrQuotaExceeded
		}
		return b.Put([]byte(e.Key), raw)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// SweepExpired walks every entry and drops the expired ones. Bolt has
// no secondary index, so this is a linear scan.
func (s *BoltStore) SweepExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.Expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) EvictOldest(n int) (int, error) {
	type aged struct {
		key     string
		created time.Time
		expired bool
	}
	now := time.Now()
	var all []aged
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				all = append(all, aged{key: string(k), expired: true})
				return nil
			}
			all = append(all, aged{key: string(k), created: e.CreatedAt, expired: e.Expired(now)})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	// Expired first, then oldest by creation time.
	sort.Slice(all, func(i, j int) bool {
		if all[i].expired != all[j].expired {
			return all[i].expired
		}
		return all[i].created.Before(all[j].created)
	})
	if n > len(all) {
		n = len(all)
	}
	removed := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, a := range all[:n] {
			if err := b.Delete([]byte(a.key)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
