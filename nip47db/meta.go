package nip47db

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// metaBucketKey stores all the meta information concerning the state
	// of the database.
	metaBucketKey = []byte("metadata")

	// dbVersionKey is a boltdb key and it's used for storing/retrieving
	// current database version.
	dbVersionKey = []byte("dbp")

	// ErrDBReversion is returned when detecting an attempt to revert to
	// a prior database version.
	ErrDBReversion = fmt.Errorf("connection db cannot revert to prior " +
		"version")
)

// migration is a function which takes a prior outdated version of the
// database instance and mutates the key/bucket structure to arrive at a more
// up-to-date version of the database.
type migration func(tx *bbolt.Tx) error

var (
	// migrations is storing all migrations of the database. If the
	// current version of the database doesn't match the latest version
	// this list is used for retrieving all migration functions that
	// need to be applied to the current db.
	migrations = []migration{
		migrateLegacyIntervalBudgets,
	}

	latestDBVersion = uint32(len(migrations))
)

// getDBVersion retrieves the current db version.
func getDBVersion(db *bbolt.DB) (uint32, error) {
	var version uint32

	err := db.View(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(metaBucketKey)
		if metaBucket == nil {
			return errors.New("bucket does not exist")
		}

		data := metaBucket.Get(dbVersionKey)
		// If no version key found, assume version is 0.
		if data != nil {
			version = byteOrder.Uint32(data)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setDBVersion updates the current db version.
func setDBVersion(tx *bbolt.Tx, version uint32) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return fmt.Errorf("set db version: %w", err)
	}

	scratch := make([]byte, 4)
	byteOrder.PutUint32(scratch, version)

	return metaBucket.Put(dbVersionKey, scratch)
}

// syncVersions applies all migrations between the db version on disk and the
// latest version known to this binary. A db that reports a higher version
// than we know refuses to load.
func syncVersions(db *bbolt.DB) error {
	currentVersion, err := getDBVersion(db)
	if err != nil {
		return err
	}

	log.Infof("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latestDBVersion, currentVersion)

	switch {
	case currentVersion > latestDBVersion:
		log.Errorf("Refusing to revert from db_version=%d to "+
			"lower version=%d", currentVersion, latestDBVersion)

		return ErrDBReversion

	case currentVersion == latestDBVersion:
		return nil
	}

	log.Infof("Performing database schema migration")

	return db.Update(func(tx *bbolt.Tx) error {
		for v := currentVersion; v < latestDBVersion; v++ {
			log.Infof("Applying migration #%v", v+1)

			if err := migrations[v](tx); err != nil {
				log.Infof("Unable to apply migration #%v", v+1)
				return err
			}
		}

		return setDBVersion(tx, latestDBVersion)
	})
}

// migrateLegacyIntervalBudgets rewrites records carrying a refresh interval
// with a zero budget. Those could be created by early versions and are
// equivalent to receive-only connections, which is what they become.
func migrateLegacyIntervalBudgets(tx *bbolt.Tx) error {
	rootBucket := tx.Bucket(connBucketKey)
	if rootBucket == nil {
		return nil
	}

	return rootBucket.ForEach(func(label, raw []byte) error {
		conn, err := deserializeConnection(raw)
		if err != nil {
			return err
		}

		if conn.IntervalSecs == nil || conn.BudgetMsat == nil ||
			*conn.BudgetMsat != 0 {

			return nil
		}

		conn.IntervalSecs = nil

		raw, err = serializeConnection(conn)
		if err != nil {
			return err
		}

		return rootBucket.Put(label, raw)
	})
}
