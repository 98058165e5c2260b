package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	return w, path
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	require.NoError(t, w.Write(Encode(OpPut, []byte("k1"), []byte("v1"))))
	require.NoError(t, w.Write(Encode(OpDelete, []byte("k2"), nil)))
	require.NoError(t, w.Sync())

	records, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, OpPut, records[0].Op)
	require.Equal(t, "k1", string(records[0].Key))
	require.Equal(t, "v1", string(records[0].Value))

	require.Equal(t, OpDelete, records[1].Op)
	require.Equal(t, "k2", string(records[1].Key))
	require.Empty(t, records[1].Value)
}

func TestReadAllEmptyLog(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	records, err := w.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReadAllToleratesTornTail(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.Write(Encode(OpPut, []byte("whole"), []byte("record"))))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	// A header announcing a body far longer than what follows: the
	// classic shape of a write that was cut off mid-flush.
	_, err = f.Write(Encode(OpPut, []byte("torn"), []byte("x"))[:headerSize+2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	records, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "whole", string(records[0].Key))
}

func TestReadAllStopsOnGarbageHeader(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.Write(Encode(OpPut, []byte("good"), []byte("value"))))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	records, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "good", string(records[0].Key))
}

func TestReadAllLeavesOffsetAtEndForFurtherAppends(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	require.NoError(t, w.Write(Encode(OpPut, []byte("a"), []byte("1"))))
	require.NoError(t, w.Sync())

	_, err := w.ReadAll()
	require.NoError(t, err)

	require.NoError(t, w.Write(Encode(OpPut, []byte("b"), []byte("2"))))
	require.NoError(t, w.Sync())

	records, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", string(records[0].Key))
	require.Equal(t, "b", string(records[1].Key))
}
