// internal/store/store.go
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"dexp2p/internal/dex"
)

var (
	bucketBlobs   = []byte("blobs_by_id")
	bucketCancels = []byte("cancelled_by_id")
	bucketMeta    = []byte("meta")
)

const (
	dbFile = "dex.db"

	// metaLastID is the highest blob id ever stored. Purge removes records,
	// so replay alone could hand out an id a second time.
	metaLastID = "last_id"
)

// DB persists blobs and tombstones so a restarted node keeps its ids and
// listings. It implements dex.Persister.
type DB struct {
	path string
	db   *bolt.DB
}

var _ dex.Persister = (*DB)(nil)

func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data dir required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, dbFile)
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	d := &DB{path: path, db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketCancels, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Path() string { return d.path }

func idKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func (d *DB) PutBlob(rec dex.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put(idKey(rec.ID), data)
	})
}

func (d *DB) PutCancelled(id uint64, ts int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(ts))
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCancels)
		if b.Get(idKey(id)) != nil {
			return nil
		}
		return b.Put(idKey(id), v[:])
	})
}

func (d *DB) DeleteBlobs(ids []uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		cancels := tx.Bucket(bucketCancels)
		if k, _ := blobs.Cursor().Last(); len(k) == 8 {
			if err := raiseLastID(tx, binary.BigEndian.Uint64(k)); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := blobs.Delete(idKey(id)); err != nil {
				return err
			}
			if err := cancels.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load walks stored records in id order together with their tombstones.
func (d *DB) Load(fn func(rec dex.Record, cancelled int64) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		cancels := tx.Bucket(bucketCancels)
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var rec dex.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode blob %x: %w", k, err)
			}
			var ts int64
			if c := cancels.Get(k); len(c) == 8 {
				ts = int64(binary.BigEndian.Uint64(c))
			}
			return fn(rec, ts)
		})
	})
}

func raiseLastID(tx *bolt.Tx, id uint64) error {
	meta := tx.Bucket(bucketMeta)
	if v := meta.Get([]byte(metaLastID)); len(v) == 8 && binary.BigEndian.Uint64(v) >= id {
		return nil
	}
	return meta.Put([]byte(metaLastID), idKey(id))
}

// LastID returns the highest id recorded before a purge, or 0.
func (d *DB) LastID() (uint64, error) {
	var id uint64
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(metaLastID)); len(v) == 8 {
			id = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return id, err
}

// Replay restores every stored blob into s and returns how many were loaded.
// Ids below the persisted high-water mark stay reserved.
func (d *DB) Replay(s *dex.Store) (int, error) {
	last, err := d.LastID()
	if err != nil {
		return 0, err
	}
	s.ReserveIDs(last)
	n := 0
	err = d.Load(func(rec dex.Record, cancelled int64) error {
		if err := s.Restore(rec, cancelled); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (d *DB) Count() (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBlobs).Stats().KeyN
		return nil
	})
	return n, err
}

func (d *DB) PutMeta(key string, val []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), val)
	})
}

func (d *DB) GetMeta(key string) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}
