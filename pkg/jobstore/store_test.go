package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Migrate(ctx))

	var version int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	dir := t.TempDir()
	dsn, err = buildDSN(Config{Path: dir + "/nested/jobs.db"})
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/nested/jobs.db", dsn)
	assert.DirExists(t, dir+"/nested")

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.CheckHealth(context.Background()))

	var nilStore *Store
	assert.Error(t, nilStore.CheckHealth(context.Background()))
}
