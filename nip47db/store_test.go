package nip47db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func newTestStore(t *testing.T) *boltConnStore {
	t.Helper()

	store, err := NewBoltConnStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func testConn(label string) *Connection {
	return &Connection{
		Label:           label,
		WalletKeySecret: "11",
		WalletKeyPublic: "22",
		ClientKeySecret: "33",
		ClientKeyPublic: "44",
		Relays: []string{
			"wss://relay.one", "wss://relay.two",
		},
		BudgetMsat:           uint64Ptr(5000),
		IntervalSecs:         uint64Ptr(86400),
		WindowStart:          1700000000,
		CreatedAt:            1700000000,
		NotificationsEnabled: true,
	}
}

// TestConnStoreCRUD exercises the basic record lifecycle.
func TestConnStoreCRUD(t *testing.T) {
	store := newTestStore(t)

	conns, err := store.FetchConns()
	require.NoError(t, err)
	require.Empty(t, conns)

	conn := testConn("daily")
	require.NoError(t, store.CreateConn(conn))

	// Duplicate labels are rejected.
	require.ErrorIs(t, store.CreateConn(conn), ErrConnExists)

	got, err := store.FetchConn("daily")
	require.NoError(t, err)
	require.Equal(t, conn, got)

	conns, err = store.FetchConns()
	require.NoError(t, err)
	require.Len(t, conns, 1)

	_, err = store.FetchConn("unknown")
	require.ErrorIs(t, err, ErrConnNotFound)

	require.NoError(t, store.DeleteConn("daily"))
	require.ErrorIs(t, store.DeleteConn("daily"), ErrConnNotFound)

	_, err = store.FetchConn("daily")
	require.ErrorIs(t, err, ErrConnNotFound)
}

// TestConnStoreUpdate asserts the closure based update writes through and
// propagates closure errors without mutating the record.
func TestConnStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateConn(testConn("daily")))

	err := store.UpdateConn("daily", func(conn *Connection) error {
		conn.SpentMsat = 3000
		return nil
	})
	require.NoError(t, err)

	got, err := store.FetchConn("daily")
	require.NoError(t, err)
	require.EqualValues(t, 3000, got.SpentMsat)

	wantErr := assert.AnError
	err = store.UpdateConn("daily", func(conn *Connection) error {
		conn.SpentMsat = 9999
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	got, err = store.FetchConn("daily")
	require.NoError(t, err)
	require.EqualValues(t, 3000, got.SpentMsat)

	err = store.UpdateConn("unknown", func(*Connection) error {
		return nil
	})
	require.ErrorIs(t, err, ErrConnNotFound)
}

// TestProcessedEvents asserts dedup, ttl pruning and last seen tracking.
func TestProcessedEvents(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateConn(testConn("daily")))

	const ttl = int64(600)
	now := int64(1700000000)

	inserted, err := store.MarkEventProcessed(
		"daily", "ev1", now-10, now, ttl,
	)
	require.NoError(t, err)
	require.True(t, inserted)

	// Same id again is a duplicate.
	inserted, err = store.MarkEventProcessed(
		"daily", "ev1", now-10, now, ttl,
	)
	require.NoError(t, err)
	require.False(t, inserted)

	lastSeen, err := store.LastSeen("daily")
	require.NoError(t, err)
	require.Equal(t, now-10, lastSeen)

	// An older event does not move last seen backwards.
	inserted, err = store.MarkEventProcessed(
		"daily", "ev0", now-500, now, ttl,
	)
	require.NoError(t, err)
	require.True(t, inserted)

	lastSeen, err = store.LastSeen("daily")
	require.NoError(t, err)
	require.Equal(t, now-10, lastSeen)

	// Once the ttl window has moved past ev0, inserting a new id prunes
	// it, after which ev0 would be accepted again.
	later := now + ttl
	_, err = store.MarkEventProcessed("daily", "ev2", later, later, ttl)
	require.NoError(t, err)

	inserted, err = store.MarkEventProcessed(
		"daily", "ev0", now-500, later, ttl,
	)
	require.NoError(t, err)
	require.True(t, inserted)
}

// TestSchemaVersion asserts that a database written by a newer binary
// refuses to load.
func TestSchemaVersion(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltConnStore(dir)
	require.NoError(t, err)

	err = store.db.Update(func(tx *bbolt.Tx) error {
		return setDBVersion(tx, latestDBVersion+1)
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewBoltConnStore(dir)
	require.ErrorIs(t, err, ErrDBReversion)
}

// TestMigrateLegacyIntervalBudgets asserts the zero budget interval repair.
func TestMigrateLegacyIntervalBudgets(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltConnStore(dir)
	require.NoError(t, err)

	legacy := testConn("legacy")
	legacy.BudgetMsat = uint64Ptr(0)
	require.NoError(t, store.CreateConn(legacy))

	// Rewind the version so the migration runs on next open.
	err = store.db.Update(func(tx *bbolt.Tx) error {
		return setDBVersion(tx, 0)
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewBoltConnStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.FetchConn("legacy")
	require.NoError(t, err)
	require.Nil(t, got.IntervalSecs)
	require.True(t, got.ReceiveOnly())
}
