// internal/sync/reconcile.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"mirror-service/internal/source"
	"mirror-service/internal/store"
	"mirror-service/internal/version"
)

// TableDiff is the sparse change set for one table as delivered by a webhook
// notification. Created/changed ids arrive as JSON objects with null values;
// only the keys matter.
type TableDiff struct {
	CreatedRecordsByID map[string]interface{} `json:"createdRecordsById"`
	ChangedRecordsByID map[string]interface{} `json:"changedRecordsById"`
	DestroyedRecordIDs []string               `json:"destroyedRecordIds"`
}

// Diff maps external table ids to their change sets.
type Diff map[string]TableDiff

// ReconcileStats is the aggregate of one incremental pass.
type ReconcileStats struct {
	RecordsCreated int `json:"records_created"`
	RecordsUpdated int `json:"records_updated"`
	RecordsDeleted int `json:"records_deleted"`
	TablesSkipped  int `json:"tables_skipped"`
	Errors         int `json:"errors"`
}

// Reconciler applies sparse create/update/delete diffs directly to the active
// slot. No blue/green cycle and no refresh lock: diffs are small, record-level
// idempotent, and the active slot must stay continuously readable. Guarantee
// is record-level atomicity only — a crash mid-pass leaves the missed ids to
// the next full or incremental pass.
type Reconciler struct {
	store    *store.Store
	versions *version.Manager
	source   source.API
}

func NewReconciler(st *store.Store, vm *version.Manager, src source.API) *Reconciler {
	return &Reconciler{store: st, versions: vm, source: src}
}

// Apply reconciles one diff. Unresolved table mappings fail closed: the whole
// table's diff is skipped with a warning rather than guessed at — full
// refreshes eventually reconcile the gap.
func (r *Reconciler) Apply(ctx context.Context, diff Diff) (*ReconcileStats, error) {
	stats := &ReconcileStats{}
	active := r.versions.Active()

	for externalID, td := range diff {
		table, err := r.store.ResolveTableName(ctx, externalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("⚠️ [RECONCILE] No mapping for table id %q; skipping its diff (sync schema first)", externalID)
				stats.TablesSkipped++
				continue
			}
			return nil, fmt.Errorf("failed to resolve table %q: %w", externalID, err)
		}

		created := make(map[string]bool, len(td.CreatedRecordsByID))
		fetchIDs := make([]string, 0, len(td.CreatedRecordsByID)+len(td.ChangedRecordsByID))
		for id := range td.CreatedRecordsByID {
			created[id] = true
			fetchIDs = append(fetchIDs, id)
		}
		for id := range td.ChangedRecordsByID {
			if !created[id] {
				fetchIDs = append(fetchIDs, id)
			}
		}
		sort.Strings(fetchIDs)

		if len(fetchIDs) > 0 {
			payloads, err := r.source.ListRecordsByID(ctx, externalID, fetchIDs)
			if err != nil {
				log.Printf("⚠️ [RECONCILE] Fetch of %d records for %q failed: %v", len(fetchIDs), table, err)
				stats.Errors++
			} else {
				for _, p := range payloads {
					if err := r.store.SetRecord(ctx, active, table, store.RecordData{ID: p.ID, Fields: p.Fields}); err != nil {
						log.Printf("⚠️ [RECONCILE] Upsert of %s/%s failed: %v", table, p.ID, err)
						stats.Errors++
						continue
					}
					if created[p.ID] {
						stats.RecordsCreated++
					} else {
						stats.RecordsUpdated++
					}
				}
			}
		}

		for _, id := range td.DestroyedRecordIDs {
			if err := r.store.DeleteRecord(ctx, active, table, id); err != nil {
				log.Printf("⚠️ [RECONCILE] Delete of %s/%s failed: %v", table, id, err)
				stats.Errors++
				continue
			}
			stats.RecordsDeleted++
		}
	}

	log.Printf("✅ [RECONCILE] %d created, %d updated, %d deleted, %d tables skipped, %d errors",
		stats.RecordsCreated, stats.RecordsUpdated, stats.RecordsDeleted, stats.TablesSkipped, stats.Errors)
	return stats, nil
}
