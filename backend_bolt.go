package pinroute

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltProfilesBucket     = []byte("profiles")
	boltObservationsBucket = []byte("observations")
)

// BoltBackend stores profiles and the observation log in a single bbolt
// file. Observations are keyed by a monotonically increasing sequence, so
// a cursor walk replays them in append order.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if needed) the database at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltProfilesBucket, boltObservationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) LoadProfile(_ context.Context, ja3 string) (*AppProfile, error) {
	var p *AppProfile
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltProfilesBucket).Get([]byte(ja3))
		if v == nil {
			return ErrNotFound
		}
		var err error
		p, err = decodeProfile(v)
		return err
	})
	return p, err
}

func (b *BoltBackend) ForEachProfile(ctx context.Context, fn func(*AppProfile) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltProfilesBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := decodeProfile(v)
			if err != nil {
				return fmt.Errorf("decode profile %s: %w", k, err)
			}
			return fn(p)
		})
	})
}

func (b *BoltBackend) SaveProfiles(_ context.Context, profiles []*AppProfile) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltProfilesBucket)
		for _, p := range profiles {
			v, err := encodeProfile(p)
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(p.JA3), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) AppendObservations(_ context.Context, records []ObservationRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltObservationsBucket)
		for _, rec := range records {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			v, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := bkt.Put(key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplayObservations calls fn for every logged observation in append order.
func (b *BoltBackend) ReplayObservations(fn func(ObservationRecord) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltObservationsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec ObservationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode observation %x: %w", k, err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

var (
	_ Backend             = (*BoltBackend)(nil)
	_ ObservationReplayer = (*BoltBackend)(nil)
)
