// internal/sync/full_refresh_test.go
package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mirror-service/internal/lock"
	"mirror-service/internal/source"
	"mirror-service/internal/store"
	"mirror-service/internal/version"
	"mirror-service/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeSource is an in-memory source.API. Per-table fetch errors are injected
// through failTables.
type fakeSource struct {
	mu         sync.Mutex
	tables     []source.TableInfo
	records    map[string][]source.RecordPayload // table id -> records
	failTables map[string]bool
}

func (f *fakeSource) ListTables(ctx context.Context) ([]source.TableInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables, nil
}

func (f *fakeSource) ListRecords(ctx context.Context, tableID string) ([]source.RecordPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTables[tableID] {
		return nil, fmt.Errorf("source returned status 502")
	}
	return f.records[tableID], nil
}

func (f *fakeSource) ListRecordsByID(ctx context.Context, tableID string, ids []string) ([]source.RecordPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTables[tableID] {
		return nil, fmt.Errorf("source returned status 502")
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []source.RecordPayload
	for _, r := range f.records[tableID] {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type syncEnv struct {
	db       *gorm.DB
	store    *store.Store
	versions *version.Manager
	locks    *lock.Coordinator
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	st := store.New(db)
	vm, err := version.New(db, st)
	require.NoError(t, err)
	return &syncEnv{db: db, store: st, versions: vm, locks: lock.New(db)}
}

func payloads(prefix string, n int) []source.RecordPayload {
	out := make([]source.RecordPayload, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, source.RecordPayload{
			ID:     fmt.Sprintf("%s%d", prefix, i),
			Fields: map[string]interface{}{"Name": fmt.Sprintf("%s item %d", prefix, i)},
		})
	}
	return out
}

func TestFullRefreshRebuildsAndFlips(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		tables: []source.TableInfo{
			{ID: "tblProjects", Name: "Projects"},
			{ID: "tblTasks", Name: "Task List"},
		},
		records: map[string][]source.RecordPayload{
			"tblProjects": payloads("prj", 3),
			"tblTasks":    payloads("tsk", 3),
		},
	}

	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)
	require.Equal(t, models.SlotA, env.versions.Active())

	stats, err := fr.Run(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 2, stats.Tables)
	assert.Equal(t, 6, stats.Records)
	assert.Equal(t, 0, stats.Errors)

	// The pointer flipped and every record is readable in the new active slot.
	assert.Equal(t, models.SlotB, env.versions.Active())
	rec, err := env.store.GetRecord(ctx, env.versions.Active(), "projects", "prj2")
	require.NoError(t, err)
	assert.Equal(t, "prj item 2", rec.Fields["Name"])
	_, err = env.store.GetRecord(ctx, env.versions.Active(), "task_list", "tsk3")
	assert.NoError(t, err)

	// The mapping table is populated for the reconciler.
	name, err := env.store.ResolveTableName(ctx, "tblTasks")
	require.NoError(t, err)
	assert.Equal(t, "task_list", name)

	last, err := env.store.LastRefreshTime(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestFullRefreshSkipsWhenLockHeld(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	_, ok, err := env.locks.Acquire(ctx, RefreshLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	src := &fakeSource{tables: []source.TableInfo{{ID: "tbl1", Name: "T"}}}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	stats, err := fr.Run(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Equal(t, 0, stats.Tables)
	assert.Equal(t, models.SlotA, env.versions.Active(), "a skipped run never flips")
}

func TestFullRefreshReleasesLock(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		tables:  []source.TableInfo{{ID: "tbl1", Name: "Projects"}},
		records: map[string][]source.RecordPayload{"tbl1": payloads("prj", 1)},
	}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	_, err := fr.Run(ctx)
	require.NoError(t, err)

	// A second run can take the lock straight away.
	stats, err := fr.Run(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Skipped)
}

func TestFullRefreshMalformedRecordCostsOneError(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	records := payloads("rec", 10)
	records[6].ID = "" // malformed member poisons its batch

	src := &fakeSource{
		tables:  []source.TableInfo{{ID: "tbl1", Name: "Projects"}},
		records: map[string][]source.RecordPayload{"tbl1": records},
	}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	stats, err := fr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Records)
	assert.Equal(t, 1, stats.Errors)

	// The nine good records all landed.
	active := env.versions.Active()
	for _, id := range []string{"rec1", "rec6", "rec8", "rec10"} {
		_, err := env.store.GetRecord(ctx, active, "projects", id)
		assert.NoError(t, err, "record %s", id)
	}
}

func TestFullRefreshTableFailureDoesNotAbortRun(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		tables: []source.TableInfo{
			{ID: "tblGood", Name: "Good"},
			{ID: "tblBad", Name: "Bad"},
		},
		records: map[string][]source.RecordPayload{
			"tblGood": payloads("g", 2),
		},
		failTables: map[string]bool{"tblBad": true},
	}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	stats, err := fr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tables)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, models.SlotB, env.versions.Active(), "partial failures still flip")
}

func TestFullRefreshReplacesStaleData(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		tables:  []source.TableInfo{{ID: "tbl1", Name: "Projects"}},
		records: map[string][]source.RecordPayload{"tbl1": payloads("prj", 2)},
	}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	_, err := fr.Run(ctx)
	require.NoError(t, err)

	// Source shrinks to one record; the next cycle must not resurrect prj2.
	src.mu.Lock()
	src.records["tbl1"] = payloads("prj", 1)
	src.mu.Unlock()

	_, err = fr.Run(ctx)
	require.NoError(t, err)

	active := env.versions.Active()
	_, err = env.store.GetRecord(ctx, active, "projects", "prj1")
	assert.NoError(t, err)
	_, err = env.store.GetRecord(ctx, active, "projects", "prj2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFullRefreshCancelledBetweenTables(t *testing.T) {
	env := newSyncEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{tables: []source.TableInfo{{ID: "tbl1", Name: "Projects"}}}
	fr := NewFullRefresh(env.store, env.versions, env.locks, src, nil, 50, time.Minute)

	_, err := fr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.SlotA, env.versions.Active(), "a cancelled run never flips")

	// The lock is free for the next caller.
	_, ok, lerr := env.locks.Acquire(context.Background(), RefreshLockName, time.Minute)
	require.NoError(t, lerr)
	assert.True(t, ok)
}

func TestNormalizeTableName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Projects", "projects"},
		{"Task List", "task_list"},
		{"  Mixed-Case_Name  ", "mixed_case_name"},
		{"Ünïcode Dashboard!", "ncode_dashboard"},
		{"___", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTableName(tt.in), "input %q", tt.in)
	}
}
