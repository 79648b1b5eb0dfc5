// internal/sync/reconcile_test.go
package sync

import (
	"context"
	"testing"

	"mirror-service/internal/source"
	"mirror-service/internal/store"
	"mirror-service/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedMapping registers an external table id so the reconciler can resolve it.
func seedMapping(t *testing.T, env *syncEnv, externalID, name string) {
	t.Helper()
	require.NoError(t, env.store.UpsertMappings(context.Background(), []models.SchemaMapping{
		{ExternalID: externalID, NormalizedName: name, DisplayName: name},
	}))
}

func TestApplyCreatesAndDeletes(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	active := env.versions.Active()
	seedMapping(t, env, "tbl1", "projects")

	require.NoError(t, env.store.SetRecord(ctx, active, "projects", store.RecordData{
		ID: "rec2", Fields: map[string]interface{}{"Name": "doomed"},
	}))

	src := &fakeSource{
		records: map[string][]source.RecordPayload{
			"tbl1": {{ID: "rec1", Fields: map[string]interface{}{"Name": "fresh"}}},
		},
	}
	r := NewReconciler(env.store, env.versions, src)

	stats, err := r.Apply(ctx, Diff{
		"tbl1": {
			CreatedRecordsByID: map[string]interface{}{"rec1": nil},
			DestroyedRecordIDs: []string{"rec2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsCreated)
	assert.Equal(t, 0, stats.RecordsUpdated)
	assert.Equal(t, 1, stats.RecordsDeleted)
	assert.Equal(t, 0, stats.TablesSkipped)

	rec, err := env.store.GetRecord(ctx, active, "projects", "rec1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.Fields["Name"])
	_, err = env.store.GetRecord(ctx, active, "projects", "rec2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyUpdatesChangedRecords(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	active := env.versions.Active()
	seedMapping(t, env, "tbl1", "projects")

	require.NoError(t, env.store.SetRecord(ctx, active, "projects", store.RecordData{
		ID: "rec1", Fields: map[string]interface{}{"Name": "before"},
	}))

	src := &fakeSource{
		records: map[string][]source.RecordPayload{
			"tbl1": {{ID: "rec1", Fields: map[string]interface{}{"Name": "after"}}},
		},
	}
	r := NewReconciler(env.store, env.versions, src)

	stats, err := r.Apply(ctx, Diff{
		"tbl1": {ChangedRecordsByID: map[string]interface{}{"rec1": nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RecordsCreated)
	assert.Equal(t, 1, stats.RecordsUpdated)

	rec, err := env.store.GetRecord(ctx, active, "projects", "rec1")
	require.NoError(t, err)
	assert.Equal(t, "after", rec.Fields["Name"])
}

func TestApplyFailsClosedOnUnknownTable(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	active := env.versions.Active()

	require.NoError(t, env.store.SetRecord(ctx, active, "projects", store.RecordData{
		ID: "rec1", Fields: map[string]interface{}{"Name": "untouchable"},
	}))

	src := &fakeSource{
		records: map[string][]source.RecordPayload{
			"tblUnknown": {{ID: "recX", Fields: map[string]interface{}{}}},
		},
	}
	r := NewReconciler(env.store, env.versions, src)

	// No mapping for tblUnknown: the whole table's diff is skipped, including
	// its deletes.
	stats, err := r.Apply(ctx, Diff{
		"tblUnknown": {
			CreatedRecordsByID: map[string]interface{}{"recX": nil},
			DestroyedRecordIDs: []string{"rec1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TablesSkipped)
	assert.Equal(t, 0, stats.RecordsCreated)
	assert.Equal(t, 0, stats.RecordsDeleted)

	_, err = env.store.GetRecord(ctx, active, "projects", "rec1")
	assert.NoError(t, err)
}

func TestApplyFetchFailureCountsOnce(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	seedMapping(t, env, "tbl1", "projects")

	src := &fakeSource{failTables: map[string]bool{"tbl1": true}}
	r := NewReconciler(env.store, env.versions, src)

	stats, err := r.Apply(ctx, Diff{
		"tbl1": {
			ChangedRecordsByID: map[string]interface{}{"rec1": nil, "rec2": nil},
			DestroyedRecordIDs: []string{"rec3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors, "one fetch failure, not one per record")
	assert.Equal(t, 1, stats.RecordsDeleted, "deletes still apply")
}

func TestApplyTouchesOnlyDiffedRecords(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	active := env.versions.Active()
	seedMapping(t, env, "tbl1", "projects")

	require.NoError(t, env.store.SetRecord(ctx, active, "projects", store.RecordData{
		ID: "bystander", Fields: map[string]interface{}{"Name": "original"},
	}))

	src := &fakeSource{
		records: map[string][]source.RecordPayload{
			"tbl1": {
				{ID: "rec1", Fields: map[string]interface{}{"Name": "new"}},
				{ID: "bystander", Fields: map[string]interface{}{"Name": "drifted upstream"}},
			},
		},
	}
	r := NewReconciler(env.store, env.versions, src)

	_, err := r.Apply(ctx, Diff{
		"tbl1": {CreatedRecordsByID: map[string]interface{}{"rec1": nil}},
	})
	require.NoError(t, err)

	// Records outside the diff are left exactly as they were.
	rec, err := env.store.GetRecord(ctx, active, "projects", "bystander")
	require.NoError(t, err)
	assert.Equal(t, "original", rec.Fields["Name"])
}

func TestApplyEmptyDiffIsNoOp(t *testing.T) {
	env := newSyncEnv(t)
	r := NewReconciler(env.store, env.versions, &fakeSource{})

	stats, err := r.Apply(context.Background(), Diff{})
	require.NoError(t, err)
	assert.Equal(t, &ReconcileStats{}, stats)
}
