package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
)

func initJSONLTestLog(t *testing.T) RecordLog {
	log, err := NewJSONLStore(JSONLConfig{Dir: t.TempDir()}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = log.Close()
	})
	return log
}

// TestJSONLStore runs all record log tests against the file-backed store
func TestJSONLStore(t *testing.T) {
	RunRecordLogTests(t, initJSONLTestLog)
}

func TestJSONLStore_CanonicalLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	defer log.Close()

	_, err = log.AppendAllowlist(ctx, domain.AllowlistRecord{
		ObservedAtEpoch: 1700000000,
		BlockHeight:     42,
		TransactionRef:  "0xabc",
		LogIndex:        3,
		Identity:        testAlice,
		Allowed:         true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, DefaultAllowlistFile))
	require.NoError(t, err)
	assert.Equal(t,
		`{"allowed":true,"blockHeight":42,"identity":"0x00000000000000000000000000000000000000A1","logIndex":3,"observedAtEpoch":1700000000,"transactionRef":"0xabc"}`+"\n",
		string(data))
}

func TestJSONLStore_ReopenKeepsIdempotence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := adapter.NewFileSystem()
	jsonAdapter := adapter.NewJSON()

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, fs, jsonAdapter)
	require.NoError(t, err)
	first := buildTransfer(5, 0, domain.ZeroIdentity, testAlice, "1")
	second := buildTransfer(6, 2, testAlice, testBob, "1")
	_, err = log.AppendTransfer(ctx, first)
	require.NoError(t, err)
	_, err = log.AppendTransfer(ctx, second)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log, err = NewJSONLStore(JSONLConfig{Dir: dir}, fs, jsonAdapter)
	require.NoError(t, err)
	defer log.Close()

	pos, err := log.LastPosition(ctx, domain.EventKindTransfer)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, second.Position(), *pos)

	appended, err := log.AppendTransfer(ctx, first)
	require.NoError(t, err)
	assert.False(t, appended)

	_, err = log.AppendTransfer(ctx, buildTransfer(6, 1, testAlice, testCarol, "2"))
	assert.ErrorIs(t, err, domain.ErrOutOfOrder)

	transfers, err := log.ListTransfers(ctx, TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, []domain.TransferRecord{first, second}, transfers)
}

func TestJSONLStore_TruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultTransfersFile)

	line := `{"blockHeight":5,"from":"0x0000000000000000000000000000000000000000","itemId":"1","logIndex":0,"observedAtEpoch":1060,"to":"0x00000000000000000000000000000000000000A1","transactionRef":"0xtx1"}`
	torn := `{"blockHeight":6,"from":"0x00000000000000000000000000000000000000A1","itemId":"1","lo`
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"+torn), 0o644))

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	defer log.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, line+"\n", string(data))

	pos, err := log.LastPosition(ctx, domain.EventKindTransfer)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.Position{BlockHeight: 5, LogIndex: 0}, *pos)

	// the torn record can now be appended in full
	appended, err := log.AppendTransfer(ctx, buildTransfer(6, 0, testAlice, testBob, "1"))
	require.NoError(t, err)
	assert.True(t, appended)

	transfers, err := log.ListTransfers(ctx, TransferFilter{})
	require.NoError(t, err)
	assert.Len(t, transfers, 2)
}

func TestJSONLStore_MalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultAllowlistFile)
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	_, err := NewJSONLStore(JSONLConfig{Dir: dir}, adapter.NewFileSystem(), adapter.NewJSON())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed record")
}

func TestJSONLStore_ReaderIgnoresPartialLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	defer log.Close()

	_, err = log.AppendTransfer(ctx, buildTransfer(1, 0, domain.ZeroIdentity, testAlice, "1"))
	require.NoError(t, err)

	// simulate a concurrent writer mid-append
	f, err := os.OpenFile(filepath.Join(dir, DefaultTransfersFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"blockHeight":2,`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	transfers, err := log.ListTransfers(ctx, TransferFilter{})
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestJSONLStore_FailedWriteIsRolledBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := &faultyFileSystem{FileSystem: adapter.NewFileSystem()}

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, fs, adapter.NewJSON())
	require.NoError(t, err)
	defer log.Close()

	_, err = log.AppendTransfer(ctx, buildTransfer(1, 0, domain.ZeroIdentity, testAlice, "1"))
	require.NoError(t, err)

	fs.failWrites = true
	_, err = log.AppendTransfer(ctx, buildTransfer(2, 0, testAlice, testBob, "1"))
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dir, DefaultTransfersFile))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	// the failed record was not acknowledged, so it can be retried
	fs.failWrites = false
	appended, err := log.AppendTransfer(ctx, buildTransfer(2, 0, testAlice, testBob, "1"))
	require.NoError(t, err)
	assert.True(t, appended)
}

func TestJSONLStore_FailedRollbackRefusesAppends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := &faultyFileSystem{FileSystem: adapter.NewFileSystem()}

	log, err := NewJSONLStore(JSONLConfig{Dir: dir}, fs, adapter.NewJSON())
	require.NoError(t, err)

	_, err = log.AppendTransfer(ctx, buildTransfer(1, 0, domain.ZeroIdentity, testAlice, "1"))
	require.NoError(t, err)

	fs.failWrites = true
	fs.failTruncates = true
	_, err = log.AppendTransfer(ctx, buildTransfer(2, 0, testAlice, testBob, "1"))
	require.Error(t, err)

	// nothing may be glued onto the torn fragment
	fs.failWrites = false
	fs.failTruncates = false
	appended, err := log.AppendTransfer(ctx, buildTransfer(3, 0, testBob, testAlice, "1"))
	require.Error(t, err)
	assert.False(t, appended)
	require.NoError(t, log.Close())

	// reopening drops the torn tail and accepts the retry
	log, err = NewJSONLStore(JSONLConfig{Dir: dir}, adapter.NewFileSystem(), adapter.NewJSON())
	require.NoError(t, err)
	defer log.Close()

	appended, err = log.AppendTransfer(ctx, buildTransfer(2, 0, testAlice, testBob, "1"))
	require.NoError(t, err)
	assert.True(t, appended)

	data, err := os.ReadFile(filepath.Join(dir, DefaultTransfersFile))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestJSONLStore_RequiresDir(t *testing.T) {
	_, err := NewJSONLStore(JSONLConfig{}, adapter.NewFileSystem(), adapter.NewJSON())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

// faultyFileSystem hands out files whose writes stop halfway when failWrites is set
type faultyFileSystem struct {
	adapter.FileSystem
	failWrites    bool
	failTruncates bool
}

func (fs *faultyFileSystem) OpenAppend(name string) (adapter.File, error) {
	f, err := fs.FileSystem.OpenAppend(name)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: f, fs: fs}, nil
}

type faultyFile struct {
	adapter.File
	fs *faultyFileSystem
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if !f.fs.failWrites {
		return f.File.Write(p)
	}
	n, err := f.File.Write(p[:len(p)/2])
	if err != nil {
		return n, err
	}
	return n, errors.New("disk full")
}

func (f *faultyFile) Truncate(size int64) error {
	if f.fs.failTruncates {
		return errors.New("read-only file system")
	}
	return f.File.Truncate(size)
}
