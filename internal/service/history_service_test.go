package service_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/observability"
	"github.com/aining777/grouped-history/internal/selection"
	"github.com/aining777/grouped-history/internal/service"
	"github.com/aining777/grouped-history/internal/storage"
	"github.com/aining777/grouped-history/internal/storage/memory"
)

// countingKV wraps a memory store, counting writes and optionally failing.
type countingKV struct {
	*memory.Store

	mu      sync.Mutex
	sets    int
	failSet error
	failGet error
	closed  bool
}

func newCountingKV() *countingKV {
	return &countingKV{Store: memory.New()}
}

func (k *countingKV) Get(ctx context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	err := k.failGet
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return k.Store.Get(ctx, key)
}

func (k *countingKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failSet != nil {
		return k.failSet
	}
	k.sets++
	return k.Store.Set(ctx, key, value)
}

func (k *countingKV) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return k.Store.Close()
}

func (k *countingKV) setCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sets
}

func (k *countingKV) setFailure(err error) {
	k.mu.Lock()
	k.failSet = err
	k.mu.Unlock()
}

func newRecord(t *testing.T, request, response string) *domain.TransactionRecord {
	t.Helper()
	var resp []byte
	if response != "" {
		resp = []byte(response)
	}
	rec, err := domain.NewTransactionRecord([]byte(request), resp)
	require.NoError(t, err)
	return rec
}

func newService(t *testing.T, kv storage.KV, opts service.Options) *service.HistoryService {
	t.Helper()
	svc, err := service.New(kv, opts)
	require.NoError(t, err)
	_, err = svc.Load(context.Background())
	require.NoError(t, err)
	return svc
}

func groupNames(svc *service.HistoryService) []string {
	var names []string
	for name := range svc.Store().ListGroups() {
		names = append(names, name)
	}
	return names
}

func TestLoadEmpty(t *testing.T) {
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})

	assert.Equal(t, 0, svc.Store().Len())
	assert.Equal(t, selection.NoGroupSelected, svc.Selection().State())

	require.NoError(t, svc.Close(context.Background()))
	assert.Equal(t, 0, kv.setCount(), "nothing changed, nothing written")
}

func TestSendToGroupPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})

	req := "POST /api/items?x=1 HTTP/1.1\r\nHost: example.test\r\n\r\n{\"a\":1}"
	resp := "HTTP/1.1 201 Created\r\n\r\n"
	added, err := svc.SendToGroup(ctx, "auth",
		newRecord(t, req, resp),
		newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""),
	)
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.NotEmpty(t, added[0].ID())

	current, ok := svc.Selection().Current()
	assert.True(t, ok)
	assert.Equal(t, "auth", current)
	assert.Equal(t, 1, kv.setCount())

	reloaded := newService(t, kv, service.Options{})
	records := reloaded.Store().ListRecords("auth")
	require.Len(t, records, 2)
	assert.True(t, bytes.Equal([]byte(req), records[0].Request()))
	assert.True(t, bytes.Equal([]byte(resp), records[0].Response()))
	assert.Equal(t, "POST /api/items?x=1", records[0].Label())
	code, ok := records[0].StatusCode()
	require.True(t, ok)
	assert.Equal(t, 201, code)
	assert.False(t, records[1].HasResponse())

	current, _ = reloaded.Selection().Current()
	assert.Equal(t, "auth", current)
}

func TestLoadSelectsFirstGroup(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})
	_, err := svc.SendToGroup(ctx, "zeta", newRecord(t, "GET /z HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	_, err = svc.SendToGroup(ctx, "alpha", newRecord(t, "GET /a HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)

	reloaded := newService(t, kv, service.Options{})
	current, ok := reloaded.Selection().Current()
	assert.True(t, ok)
	assert.Equal(t, "alpha", current)
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	blob := `{"good":[{"request":"R0VUIC8gSFRUUC8xLjENCg0K"},{"request":"***"}],"bad":[{"request":"***"}]}`
	require.NoError(t, kv.Store.Set(ctx, service.DefaultKey, []byte(blob)))

	metrics := observability.NewMetrics()
	svc, err := service.New(kv, service.Options{Metrics: metrics})
	require.NoError(t, err)
	res, err := svc.Load(ctx)
	require.NoError(t, err)

	assert.Len(t, res.Skipped, 2)
	assert.Equal(t, []string{"bad"}, res.Dropped)
	assert.Equal(t, []string{"good"}, groupNames(svc))
	assert.Equal(t, 1, svc.Store().RecordCount("good"))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DecodeSkippedTotal))
}

func TestLoadUnreadableDocumentStartsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	require.NoError(t, kv.Store.Set(ctx, service.DefaultKey, []byte("[not an object]")))

	svc, err := service.New(kv, service.Options{})
	require.NoError(t, err)
	res, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.Equal(t, 0, svc.Store().Len())
}

func TestLoadStorageFailure(t *testing.T) {
	kv := newCountingKV()
	kv.failGet = errors.New("disk on fire")

	svc, err := service.New(kv, service.Options{})
	require.NoError(t, err)
	_, err = svc.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	assert.Equal(t, domain.ErrCodePersistenceUnavailable, domain.ErrorCode(err))
}

func TestCustomKey(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{Key: "other_key"})
	require.NoError(t, svc.CreateGroup(ctx, "g"))

	_, err := kv.Store.Get(ctx, "other_key")
	assert.NoError(t, err)
	_, err = kv.Store.Get(ctx, service.DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})

	require.NoError(t, svc.CreateGroup(ctx, "g1"))
	current, _ := svc.Selection().Current()
	assert.Equal(t, "g1", current)

	data, err := kv.Store.Get(ctx, service.DefaultKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"g1":[]}`, string(data))

	assert.ErrorIs(t, svc.CreateGroup(ctx, "g1"), domain.ErrDuplicateGroup)
	assert.ErrorIs(t, svc.CreateGroup(ctx, "  "), domain.ErrEmptyName)
	assert.Equal(t, 1, kv.setCount())
}

func TestDeleteCurrentGroup(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newCountingKV(), service.Options{})

	assert.ErrorIs(t, svc.DeleteCurrentGroup(ctx), domain.ErrNoGroupSelected)

	_, err := svc.SendToGroup(ctx, "g1", newRecord(t, "GET /1 HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	_, err = svc.SendToGroup(ctx, "g2", newRecord(t, "GET /2 HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCurrentGroup(ctx))
	assert.Equal(t, []string{"g1"}, groupNames(svc))
	current, ok := svc.Selection().Current()
	assert.True(t, ok)
	assert.Equal(t, "g1", current)

	require.NoError(t, svc.DeleteCurrentGroup(ctx))
	assert.Equal(t, selection.NoGroupSelected, svc.Selection().State())

	assert.ErrorIs(t, svc.DeleteGroup(ctx, "g1"), domain.ErrGroupNotFound)
}

func TestRemoveSelected(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})

	_, err := svc.RemoveSelected(ctx)
	assert.ErrorIs(t, err, domain.ErrNoGroupSelected)

	_, err = svc.SendToGroup(ctx, "g",
		newRecord(t, "GET /a HTTP/1.1\r\n\r\n", ""),
		newRecord(t, "GET /a HTTP/1.1\r\n\r\n", ""),
		newRecord(t, "GET /c HTTP/1.1\r\n\r\n", ""),
	)
	require.NoError(t, err)

	_, err = svc.RemoveSelected(ctx)
	assert.ErrorIs(t, err, domain.ErrNothingSelected)

	// Two identical captures stay distinguishable: only the second goes.
	all := svc.Store().ListRecords("g")
	svc.Selection().Select([]int{1})
	removed, err := svc.RemoveSelected(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left := svc.Store().ListRecords("g")
	require.Len(t, left, 2)
	assert.Equal(t, all[0].ID(), left[0].ID())
	assert.Equal(t, all[2].ID(), left[1].ID())
	assert.Empty(t, svc.Selection().Selected())
	assert.Equal(t, 2, kv.setCount())
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	metrics := observability.NewMetrics()
	svc := newService(t, kv, service.Options{Metrics: metrics})

	kv.setFailure(errors.New("read-only filesystem"))
	_, err := svc.SendToGroup(ctx, "g", newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""))
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	assert.ErrorIs(t, svc.LastSaveError(), domain.ErrPersistenceUnavailable)
	assert.Equal(t, 1, svc.Store().RecordCount("g"), "memory is not rolled back")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SavesTotal.WithLabelValues(observability.SaveResultError)))

	kv.setFailure(nil)
	require.NoError(t, svc.Flush(ctx))
	assert.NoError(t, svc.LastSaveError())
	assert.Equal(t, 1, kv.setCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SavesTotal.WithLabelValues(observability.SaveResultOK)))
}

func TestDebouncedSavesCoalesce(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{Debounce: 50 * time.Millisecond, Workers: 2})
	defer svc.Close(ctx)

	for i := 0; i < 5; i++ {
		_, err := svc.SendToGroup(ctx, "g", newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, kv.setCount(), "save is deferred")

	require.Eventually(t, func() bool { return kv.setCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, kv.setCount())

	reloaded := newService(t, kv.Store, service.Options{})
	assert.Equal(t, 5, reloaded.Store().RecordCount("g"))
}

func TestFlushWritesPendingChanges(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{Debounce: time.Hour})
	defer svc.Close(ctx)

	require.NoError(t, svc.CreateGroup(ctx, "g"))
	assert.Equal(t, 0, kv.setCount())

	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, 1, kv.setCount())

	// Nothing changed since the flush.
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, 1, kv.setCount())
}

func TestCloseFlushesAndRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{Debounce: time.Hour})

	_, err := svc.SendToGroup(ctx, "g", newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx))

	assert.Equal(t, 1, kv.setCount())
	assert.True(t, kv.closed)

	assert.ErrorIs(t, svc.CreateGroup(ctx, "h"), domain.ErrClosed)
	_, err = svc.SendToGroup(ctx, "g", newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""))
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = svc.RemoveSelected(ctx)
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.ErrorIs(t, svc.TriggerSave(ctx), domain.ErrClosed)
	assert.ErrorIs(t, svc.Flush(ctx), domain.ErrClosed)
	_, err = svc.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.NoError(t, svc.Close(ctx))
}

func TestCloseReportsSaveFailure(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{Debounce: time.Hour})

	require.NoError(t, svc.CreateGroup(ctx, "g"))
	kv.setFailure(errors.New("gone"))

	err := svc.Close(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	assert.True(t, kv.closed)
}

func TestCreateThenDeleteLeavesGroupsUnchanged(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, newCountingKV(), service.Options{})
	_, err := svc.SendToGroup(ctx, "keep", newRecord(t, "GET / HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	before := groupNames(svc)

	require.NoError(t, svc.CreateGroup(ctx, "temp"))
	require.NoError(t, svc.DeleteGroup(ctx, "temp"))

	assert.Equal(t, before, groupNames(svc))
	current, _ := svc.Selection().Current()
	assert.Equal(t, "keep", current)
}

func TestStoreViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	svc := newService(t, kv, service.Options{})
	_, err := svc.SendToGroup(ctx, "g", newRecord(t, "GET /a HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	require.Equal(t, 1, kv.setCount())

	view := svc.Store()
	_, canAdd := view.(interface {
		AddRecords(string, ...*domain.TransactionRecord) ([]*domain.TransactionRecord, error)
	})
	_, canDelete := view.(interface{ DeleteGroup(string) error })
	_, canReplace := view.(interface{ Replace([]domain.Group) })
	assert.False(t, canAdd, "view exposes AddRecords")
	assert.False(t, canDelete, "view exposes DeleteGroup")
	assert.False(t, canReplace, "view exposes Replace")

	snap := view.Snapshot()
	snap[0].Records = nil
	assert.Equal(t, 1, view.RecordCount("g"))
	assert.Equal(t, 1, view.Len())

	// Writes made through the service are visible through an earlier view
	// and are persisted.
	_, err = svc.SendToGroup(ctx, "g", newRecord(t, "GET /b HTTP/1.1\r\n\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, view.RecordCount("g"))
	assert.Equal(t, 2, kv.setCount())
}
