package nip47db

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	// dbFileName is the default file name of the connection database.
	dbFileName = "nip47.db"

	// connBucketKey is the bucket holding one entry per connection,
	// keyed by label.
	//
	// maps: label -> connection record (json)
	connBucketKey = []byte("connections")

	// processedBucketKey is the bucket holding one sub-bucket per
	// connection with the set of already handled request event ids.
	//
	// path: processedBucket -> labelBucket
	//
	// maps: eventID -> created_at
	processedBucketKey = []byte("processed-events")

	// lastSeenBucketKey tracks the newest processed request per
	// connection, used for the subscription since filter.
	//
	// maps: label -> created_at
	lastSeenBucketKey = []byte("last-seen")

	byteOrder = binary.BigEndian

	// ErrConnNotFound is returned when a label has no stored record.
	ErrConnNotFound = errors.New("connection not found in store")

	// ErrConnExists is returned when creating a record over an existing
	// label.
	ErrConnExists = errors.New("connection already exists in store")
)

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// boltConnStore stores connection data in boltdb.
type boltConnStore struct {
	db *bbolt.DB
}

// A compile-time assertion that boltConnStore implements the ConnStore
// interface.
var _ ConnStore = (*boltConnStore)(nil)

// NewBoltConnStore creates a new connection store in the given directory.
func NewBoltConnStore(dbPath string) (*boltConnStore, error) {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dbPath, dbFileName)
	bdb, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		// Check if the meta bucket exists. If it exists, we consider
		// the database as initialized and assume the meta bucket
		// contains the db version.
		metaBucket := tx.Bucket(metaBucketKey)
		if metaBucket == nil {
			log.Infof("Initializing new database with version %v",
				latestDBVersion)

			err := setDBVersion(tx, latestDBVersion)
			if err != nil {
				return err
			}
		}

		for _, key := range [][]byte{
			connBucketKey, processedBucketKey, lastSeenBucketKey,
		} {
			if _, err := tx.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sync the db version to pick up any pending migrations before the
	// store is used.
	if err := syncVersions(bdb); err != nil {
		return nil, err
	}

	return &boltConnStore{db: bdb}, nil
}

// FetchConns returns all stored connections.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) FetchConns() ([]*Connection, error) {
	var conns []*Connection

	err := s.db.View(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(connBucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		return rootBucket.ForEach(func(label, raw []byte) error {
			conn, err := deserializeConnection(raw)
			if err != nil {
				return err
			}

			conns = append(conns, conn)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return conns, nil
}

// FetchConn returns the connection with the given label.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) FetchConn(label string) (*Connection, error) {
	var conn *Connection

	err := s.db.View(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(connBucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		raw := rootBucket.Get([]byte(label))
		if raw == nil {
			return ErrConnNotFound
		}

		var err error
		conn, err = deserializeConnection(raw)

		return err
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// CreateConn stores a new connection.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) CreateConn(conn *Connection) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket, err := tx.CreateBucketIfNotExists(connBucketKey)
		if err != nil {
			return err
		}

		if rootBucket.Get([]byte(conn.Label)) != nil {
			return fmt.Errorf("%w: %v", ErrConnExists, conn.Label)
		}

		raw, err := serializeConnection(conn)
		if err != nil {
			return err
		}

		return rootBucket.Put([]byte(conn.Label), raw)
	})
}

// DeleteConn removes a connection and all its bookkeeping state.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) DeleteConn(label string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(connBucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		if rootBucket.Get([]byte(label)) == nil {
			return fmt.Errorf("%w: %v", ErrConnNotFound, label)
		}

		if err := rootBucket.Delete([]byte(label)); err != nil {
			return err
		}

		processedBucket := tx.Bucket(processedBucketKey)
		if processedBucket != nil &&
			processedBucket.Bucket([]byte(label)) != nil {

			err := processedBucket.DeleteBucket([]byte(label))
			if err != nil {
				return err
			}
		}

		lastSeenBucket := tx.Bucket(lastSeenBucketKey)
		if lastSeenBucket != nil {
			return lastSeenBucket.Delete([]byte(label))
		}

		return nil
	})
}

// UpdateConn runs the update closure inside the write transaction that holds
// the row, making the read-modify-write atomic with respect to all other
// accessors of the same connection.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) UpdateConn(label string,
	update func(*Connection) error) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(connBucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		raw := rootBucket.Get([]byte(label))
		if raw == nil {
			return fmt.Errorf("%w: %v", ErrConnNotFound, label)
		}

		conn, err := deserializeConnection(raw)
		if err != nil {
			return err
		}

		if err := update(conn); err != nil {
			return err
		}

		raw, err = serializeConnection(conn)
		if err != nil {
			return err
		}

		return rootBucket.Put([]byte(label), raw)
	})
}

// MarkEventProcessed inserts an event id into the processed set, pruning
// expired entries and advancing the last seen timestamp on the way through.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) MarkEventProcessed(label, eventID string, createdAt,
	now int64, ttlSeconds int64) (bool, error) {

	var inserted bool

	err := s.db.Update(func(tx *bbolt.Tx) error {
		processedBucket, err := tx.CreateBucketIfNotExists(
			processedBucketKey,
		)
		if err != nil {
			return err
		}
		labelBucket, err := processedBucket.CreateBucketIfNotExists(
			[]byte(label),
		)
		if err != nil {
			return err
		}

		if labelBucket.Get([]byte(eventID)) != nil {
			return nil
		}

		// Prune everything that fell out of the ttl window so the
		// set stays bounded.
		cutoff := now - ttlSeconds
		cursor := labelBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if int64(byteOrder.Uint64(v)) < cutoff {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
		}

		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], uint64(createdAt))
		err = labelBucket.Put([]byte(eventID), scratch[:])
		if err != nil {
			return err
		}
		inserted = true

		lastSeenBucket, err := tx.CreateBucketIfNotExists(
			lastSeenBucketKey,
		)
		if err != nil {
			return err
		}
		prev := lastSeenBucket.Get([]byte(label))
		if prev == nil || int64(byteOrder.Uint64(prev)) < createdAt {
			return lastSeenBucket.Put([]byte(label), scratch[:])
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return inserted, nil
}

// LastSeen returns the created_at of the newest processed event.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) LastSeen(label string) (int64, error) {
	var lastSeen int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		lastSeenBucket := tx.Bucket(lastSeenBucketKey)
		if lastSeenBucket == nil {
			return nil
		}

		raw := lastSeenBucket.Get([]byte(label))
		if raw != nil {
			lastSeen = int64(byteOrder.Uint64(raw))
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return lastSeen, nil
}

// Close closes the underlying database.
//
// NOTE: Part of the nip47db.ConnStore interface.
func (s *boltConnStore) Close() error {
	return s.db.Close()
}

// serializeConnection encodes a connection record for storage.
func serializeConnection(conn *Connection) ([]byte, error) {
	return json.Marshal(conn)
}

// deserializeConnection decodes a stored connection record.
func deserializeConnection(raw []byte) (*Connection, error) {
	var conn Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, fmt.Errorf("corrupt connection record: %w", err)
	}

	return &conn, nil
}
