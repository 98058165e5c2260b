package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devrev/kvring/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FlushIntervalMs:    1,
		SnapshotIntervalMs: 50,
	}
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put("key1", record.NewBytes([]byte("value1")))
	require.NoError(t, err)

	rec, ok := e.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", string(rec.Value.Bytes))

	existed, err := e.Delete("key1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok = e.Get("key1")
	assert.False(t, ok)

	existed, err = e.Delete("key1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put("", record.NewBytes([]byte("v")))
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = e.Delete("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Put("k", record.NewBytes([]byte("v")))
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, err = e.Delete("k")
	assert.ErrorIs(t, err, ErrEngineClosed)

	// Close is idempotent.
	assert.NoError(t, e.Close())
}

func TestRecoveryReplaysWALAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)

	_, err = e.Put("a", record.NewBytes([]byte("1")))
	require.NoError(t, err)
	_, err = e.Put("b", record.NewJSON(map[string]interface{}{"n": float64(2)}))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()

	recA, ok := e2.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(recA.Value.Bytes))

	recB, ok := e2.Get("b")
	require.True(t, ok)
	assert.True(t, recB.Value.IsJSON())
}

func TestRecoveryFromSnapshotAndWALCombined(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.SnapshotIntervalMs = 10
	e, err := Open(dir, cfg)
	require.NoError(t, err)

	_, err = e.Put("snapshotted", record.NewBytes([]byte("old")))
	require.NoError(t, err)

	// Give the background snapshot timer a chance to persist this key
	// before the process restarts.
	time.Sleep(50 * time.Millisecond)

	_, err = e.Put("wal-only", record.NewBytes([]byte("new")))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()

	rec, ok := e2.Get("snapshotted")
	require.True(t, ok)
	assert.Equal(t, "old", string(rec.Value.Bytes))

	rec, ok = e2.Get("wal-only")
	require.True(t, ok)
	assert.Equal(t, "new", string(rec.Value.Bytes))
}

func TestRecoveryToleratesTornWALTail(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)

	_, err = e.Put("clean", record.NewBytes([]byte("ok")))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	walPath := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 0, 0, 0xff, 0xff, 0, 0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e2.Close()

	rec, ok := e2.Get("clean")
	require.True(t, ok)
	assert.Equal(t, "ok", string(rec.Value.Bytes))
}

func TestRecoveryDiscardsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json.gz"), []byte("not a gzip file"), 0o644))

	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	keys := e.Snapshot()
	assert.Empty(t, keys)

	_, err = e.Put("fresh", record.NewBytes([]byte("v")))
	require.NoError(t, err)
	rec, ok := e.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, "v", string(rec.Value.Bytes))
}

func TestSnapshotReturnsKeySet(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	for _, k := range []string{"c", "a", "b"} {
		_, err := e.Put(k, record.NewBytes([]byte("v")))
		require.NoError(t, err)
	}

	keys := e.Snapshot()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func TestValueSizeBoundaries(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Put("empty", record.NewBytes(nil))
	require.NoError(t, err)
	rec, ok := e.Get("empty")
	require.True(t, ok)
	assert.Empty(t, rec.Value.Bytes)

	tenKiB := strings.Repeat("x", 10*1024)
	_, err = e.Put("ten-kib", record.NewBytes([]byte(tenKiB)))
	require.NoError(t, err)
	rec, ok = e.Get("ten-kib")
	require.True(t, ok)
	assert.Len(t, rec.Value.Bytes, 10*1024)

	oneMiB := strings.Repeat("y", 1024*1024)
	_, err = e.Put("one-mib", record.NewBytes([]byte(oneMiB)))
	require.NoError(t, err)
	rec, ok = e.Get("one-mib")
	require.True(t, ok)
	assert.Len(t, rec.Value.Bytes, 1024*1024)
}

func TestKeyWithURLReservedCharacters(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer e.Close()

	key := "a/b?c=d&e#f"
	_, err = e.Put(key, record.NewBytes([]byte("v")))
	require.NoError(t, err)

	rec, ok := e.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v", string(rec.Value.Bytes))
}
