package revision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
)

func localRev(m *Manager, text string, md5 string) Revision {
	base, next := m.NextRevIDPair()
	d := delta.NewBuilder().Insert(text, nil).Build()
	return New(m.ObjectID(), base, next, d, md5, "u1")
}

// flakyDisk 在 fail 为 true 时所有写操作都失败
type flakyDisk struct {
	*MemoryDiskCache
	mu   sync.Mutex
	fail bool
}

func (f *flakyDisk) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyDisk) CreateRevisions(ctx context.Context, records []Record) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return &StorageError{Op: "create", Err: errors.New("disk full")}
	}
	return f.MemoryDiskCache.CreateRevisions(ctx, records)
}

func TestManager_NextRevIDPair(t *testing.T) {
	m := NewManager("doc", NewMemoryDiskCache())
	base, next := m.NextRevIDPair()
	if base != 0 || next != 1 {
		t.Fatalf("NextRevIDPair() = (%d, %d), want (0, 1)", base, next)
	}
	if got := m.CurrentRevID(); got != 1 {
		t.Fatalf("CurrentRevID() = %d, want 1", got)
	}
}

func TestManager_EmptyRevision(t *testing.T) {
	m := NewManager("doc", NewMemoryDiskCache())
	if err := m.AddLocalRevision(Revision{ObjectID: "doc", RevID: 1}); !errors.Is(err, ErrEmptyRevisionData) {
		t.Fatalf("AddLocalRevision() error = %v, want ErrEmptyRevisionData", err)
	}
	if err := m.AddRemoteRevision(Revision{ObjectID: "doc", RevID: 1}); !errors.Is(err, ErrEmptyRevisionData) {
		t.Fatalf("AddRemoteRevision() error = %v, want ErrEmptyRevisionData", err)
	}
}

func TestManager_AckOrder(t *testing.T) {
	m := NewManager("doc", NewMemoryDiskCache(), WithFlushDelay(time.Hour))
	require.NoError(t, m.AddLocalRevision(localRev(m, "a", "m1")))
	m.NextSyncRevision()
	require.NoError(t, m.AddLocalRevision(localRev(m, "b", "m2")))

	err := m.AckRevision(2)
	require.ErrorIs(t, err, ErrOutOfOrderAck)
	require.Len(t, m.PendingRevisions(), 2)

	require.NoError(t, m.AckRevision(1))
	require.NoError(t, m.AckRevision(1), "second ack of the same rev is a no-op")
	pending := m.PendingRevisions()
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].RevID)

	require.NoError(t, m.AckRevision(2))
	require.False(t, m.HasPending())
	require.NoError(t, m.AckRevision(2))
	require.ErrorIs(t, m.AckRevision(7), ErrOutOfOrderAck)
}

func TestManager_MergesUntransmittedTail(t *testing.T) {
	m := NewManager("doc", NewMemoryDiskCache(), WithFlushDelay(time.Hour))
	require.NoError(t, m.AddLocalRevision(localRev(m, "abc", "m1")))

	base, next := m.NextRevIDPair()
	format := delta.NewBuilder().Retain(3, delta.Attributes{delta.AttrBold: true}).Build()
	require.NoError(t, m.AddLocalRevision(New("doc", base, next, format, "m2", "u1")))

	pending := m.PendingRevisions()
	require.Len(t, pending, 1)
	require.Equal(t, int64(0), pending[0].BaseRevID)
	require.Equal(t, int64(1), pending[0].RevID)
	require.Equal(t, "m2", pending[0].MD5)
	require.Equal(t, int64(1), m.CurrentRevID())

	d, err := pending[0].Delta()
	require.NoError(t, err)
	require.Equal(t, `[{"insert":"abc","attributes":{"bold":true}}]`, d.JSON())

	// 发出去之后不再合并
	m.NextSyncRevision()
	require.NoError(t, m.AddLocalRevision(localRev(m, "x", "m3")))
	require.Len(t, m.PendingRevisions(), 2)
	require.Equal(t, int64(2), m.CurrentRevID())
}

func TestManager_RemoteRevisionAdvancesCounter(t *testing.T) {
	m := NewManager("doc", NewMemoryDiskCache(), WithFlushDelay(time.Hour))
	rev := New("doc", 4, 5, delta.NewBuilder().Insert("x", nil).Build(), "m5", "u2")
	require.NoError(t, m.AddRemoteRevision(rev))
	require.Equal(t, int64(5), m.CurrentRevID())
	require.Equal(t, int64(5), m.SyncedRevID())
	require.False(t, m.HasPending())

	got, err := m.GetRevision(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "m5", got.MD5)
}

func TestManager_DropPending(t *testing.T) {
	disk := NewMemoryDiskCache()
	m := NewManager("doc", disk, WithFlushDelay(time.Hour))
	require.NoError(t, m.AddLocalRevision(localRev(m, "a", "m1")))
	m.NextSyncRevision()
	require.NoError(t, m.AddLocalRevision(localRev(m, "b", "m2")))
	require.NoError(t, m.Flush(context.Background()))

	dropped := m.DropPending()
	require.Len(t, dropped, 2)
	require.Equal(t, int64(0), m.CurrentRevID())
	require.Equal(t, int64(0), m.SyncedRevID())

	got, err := m.GetRevision(context.Background(), 1)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, m.Flush(context.Background()))
	records, err := disk.ReadRevisions(context.Background(), "doc")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestManager_RangeFallsBackToDisk(t *testing.T) {
	ctx := context.Background()
	disk := NewMemoryDiskCache()
	m := NewManager("doc", disk, WithFlushDelay(time.Hour))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddLocalRevision(localRev(m, "x", "m")))
		m.NextSyncRevision()
		require.NoError(t, m.AckRevision(int64(i+1)))
	}
	require.NoError(t, m.Flush(ctx))

	// 已确认且写盘的修订从内存淘汰，区间读取走磁盘
	revs, err := m.GetRevisionsInRange(ctx, Range{Start: 1, End: 3})
	require.NoError(t, err)
	require.Len(t, revs, 3)
	require.True(t, IsContiguous(revs))
}

func TestManager_DebouncedFlush(t *testing.T) {
	disk := NewMemoryDiskCache()
	m := NewManager("doc", disk, WithFlushDelay(20*time.Millisecond))
	require.NoError(t, m.AddLocalRevision(localRev(m, "a", "m1")))
	m.NextSyncRevision()
	require.NoError(t, m.AddLocalRevision(localRev(m, "b", "m2")))

	require.Eventually(t, func() bool {
		records, err := disk.ReadRevisions(context.Background(), "doc")
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close(context.Background()))
}

func TestManager_FlushFailureKeepsData(t *testing.T) {
	ctx := context.Background()
	disk := &flakyDisk{MemoryDiskCache: NewMemoryDiskCache()}
	disk.setFail(true)
	m := NewManager("doc", disk, WithFlushDelay(time.Hour))
	require.NoError(t, m.AddLocalRevision(localRev(m, "a", "m1")))

	err := m.Flush(ctx)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.True(t, m.HasPending())

	disk.setFail(false)
	require.NoError(t, m.Flush(ctx))
	records, err := disk.ReadRevisions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StateSync, records[0].State)
}

func TestManager_LoadRestoresPending(t *testing.T) {
	ctx := context.Background()
	disk := NewMemoryDiskCache()
	first := NewManager("doc", disk, WithFlushDelay(time.Hour))
	require.NoError(t, first.AddLocalRevision(localRev(first, "a", "m1")))
	first.NextSyncRevision()
	require.NoError(t, first.AckRevision(1))
	require.NoError(t, first.AddLocalRevision(localRev(first, "b", "m2")))
	first.NextSyncRevision()
	require.NoError(t, first.AddLocalRevision(localRev(first, "c", "m3")))
	require.NoError(t, first.Close(ctx))

	second := NewManager("doc", disk, WithFlushDelay(time.Hour))
	require.NoError(t, second.Load(ctx))
	require.Equal(t, int64(3), second.CurrentRevID())
	pending := second.PendingRevisions()
	require.Len(t, pending, 2)
	require.Equal(t, int64(2), pending[0].RevID)
	require.Equal(t, int64(3), pending[1].RevID)
	require.Equal(t, int64(1), second.SyncedRevID())
}

func TestManager_Reset(t *testing.T) {
	ctx := context.Background()
	disk := NewMemoryDiskCache()
	m := NewManager("doc", disk, WithFlushDelay(time.Hour))
	require.NoError(t, m.AddLocalRevision(localRev(m, "a", "m1")))
	require.NoError(t, m.Flush(ctx))

	snapshot := New("doc", 0, 3, delta.NewBuilder().Insert("123456", nil).Build(), "m3", "server")
	m.Reset([]Revision{snapshot})
	require.False(t, m.HasPending())
	require.Equal(t, int64(3), m.CurrentRevID())
	require.NoError(t, m.Flush(ctx))

	records, err := disk.ReadRevisions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(3), records[0].Revision.RevID)
	require.Equal(t, StateAck, records[0].State)
}
