package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/syncbridge/internal/entities"
	"github.com/MarcoPoloResearchLab/syncbridge/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeReplica struct {
	mu       sync.Mutex
	rows     map[string]map[string]any
	order    []string
	failing  map[string]error
	failOnce map[string]error
	block    chan struct{}
	started  chan struct{}
	once     sync.Once
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{
		rows:     make(map[string]map[string]any),
		failing:  make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func replicaKey(entityType entities.EntityType, recordID string) string {
	return entityType.String() + "/" + recordID
}

func (f *fakeReplica) Exists(_ context.Context, entityType entities.EntityType, recordID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[replicaKey(entityType, recordID)]
	return ok, nil
}

func (f *fakeReplica) Upsert(_ context.Context, entityType entities.EntityType, recordID string, payload map[string]any) error {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := replicaKey(entityType, recordID)
	if err, ok := f.failOnce[key]; ok {
		delete(f.failOnce, key)
		return err
	}
	if err, ok := f.failing[key]; ok {
		return err
	}
	f.rows[key] = payload
	f.order = append(f.order, key)
	return nil
}

func (f *fakeReplica) row(entityType entities.EntityType, recordID string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.rows[replicaKey(entityType, recordID)]
	return payload, ok
}

type fakePrimary struct {
	rows map[string]map[string]any
}

func (f *fakePrimary) Fetch(_ context.Context, entityType entities.EntityType, recordID string) (map[string]any, error) {
	payload, ok := f.rows[replicaKey(entityType, recordID)]
	if !ok {
		return nil, fmt.Errorf("primary row %s/%s not found", entityType, recordID)
	}
	return payload, nil
}

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:processor_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&queue.ChangeRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := queue.NewStore(queue.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new queue store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, queueStore *queue.Store, primarySource PrimarySource, replicaStore ReplicaStore, maxAttempts int) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Queue:       queueStore,
		Graph:       entities.DefaultGraph(),
		Primary:     primarySource,
		Replica:     replicaStore,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func enqueue(t *testing.T, store *queue.Store, entityType entities.EntityType, recordID, payload string) queue.ChangeRecord {
	t.Helper()
	record := queue.ChangeRecord{
		EntityType:  entityType.String(),
		RecordID:    recordID,
		Operation:   queue.OperationUpdate,
		PayloadJSON: payload,
	}
	if err := store.Append(nil, &record); err != nil {
		t.Fatalf("append: %v", err)
	}
	return record
}

func TestRunOnceCascadesMissingAncestors(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1", "firstName": "Anna"},
		"work/w-1":    {"workId": "w-1", "personId": "p-1", "days": 10},
		"set/s-1":     {"setId": "s-1", "workId": "w-1", "material": "zirconia"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityBatch, "b-1", `{"batchId":"b-1","setId":"s-1","quantity":2}`)

	summary, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	expectedOrder := []string{"patient/p-1", "work/w-1", "set/s-1", "batch/b-1"}
	if len(replicaStore.order) != len(expectedOrder) {
		t.Fatalf("expected four upserts, got %v", replicaStore.order)
	}
	for i, key := range expectedOrder {
		if replicaStore.order[i] != key {
			t.Fatalf("expected parents before children, got %v", replicaStore.order)
		}
	}
}

func TestRunOnceSkipsResolutionWhenParentPresent(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.rows["work/w-1"] = map[string]any{"workId": "w-1"}
	primarySource := &fakePrimary{rows: map[string]map[string]any{}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntitySet, "s-1", `{"setId":"s-1","workId":"w-1"}`)

	summary, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(replicaStore.order) != 1 || replicaStore.order[0] != "set/s-1" {
		t.Fatalf("expected only the set to be written, got %v", replicaStore.order)
	}
}

func TestRunOnceAppliesRecordsInCaptureOrder(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":10}`)
	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":12}`)

	if _, err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	payload, ok := replicaStore.row(entities.EntityWork, "w-1")
	if !ok {
		t.Fatalf("expected work row in replica")
	}
	if payload["days"] != float64(12) {
		t.Fatalf("newer snapshot must win, got days=%v", payload["days"])
	}
}

func TestRunOnceIdempotentReapply(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":10}`)

	if _, err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	firstState, _ := replicaStore.row(entities.EntityWork, "w-1")

	// Simulate a retry after a crash between apply and status update: the
	// same snapshot is delivered and applied a second time.
	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":10}`)
	if _, err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	secondState, _ := replicaStore.row(entities.EntityWork, "w-1")
	if fmt.Sprint(firstState) != fmt.Sprint(secondState) {
		t.Fatalf("re-applying the same snapshot must not change the end state: %v vs %v", firstState, secondState)
	}
}

func TestRunOnceRetryNeverRegressesRowValue(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.failOnce["work/w-1"] = errors.New("transient timeout")
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":10}`)
	deferred := enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":12}`)

	ctx := context.Background()
	summary, err := service.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	// The newer record waits behind the failed one instead of jumping ahead.
	if summary.Synced != 0 || summary.Failed != 1 {
		t.Fatalf("expected the newer same-row record to be deferred, got %+v", summary)
	}

	pending, err := queueStore.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("pending batch: %v", err)
	}
	for _, record := range pending {
		if record.ID == deferred.ID && record.Attempts != 0 {
			t.Fatalf("deferred record must not be charged an attempt, got %d", record.Attempts)
		}
	}

	summary, err = service.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 2 || summary.Failed != 0 {
		t.Fatalf("expected both records to drain in order on retry, got %+v", summary)
	}

	payload, ok := replicaStore.row(entities.EntityWork, "w-1")
	if !ok {
		t.Fatalf("expected work row in replica")
	}
	if payload["days"] != float64(12) {
		t.Fatalf("retry must not regress the row, got days=%v", payload["days"])
	}
}

func TestRunOnceRetiresSupersededRecordWithoutUpsert(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.failOnce["work/w-1"] = errors.New("validation rejected")
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 1)

	stale := enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":10}`)
	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1","days":12}`)

	ctx := context.Background()
	// Attempt budget of one: the first record fails permanently, the second
	// drains on the next run.
	if _, err := service.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if _, err := service.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if payload, _ := replicaStore.row(entities.EntityWork, "w-1"); payload["days"] != float64(12) {
		t.Fatalf("expected newer snapshot applied, got %v", payload)
	}

	// Operator requeues the dead record after the newer capture synced.
	upsertsBeforeRequeue := len(replicaStore.order)
	if err := queueStore.Requeue(ctx, stale.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	summary, err := service.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 1 || summary.Failed != 0 {
		t.Fatalf("expected the stale record to be retired, got %+v", summary)
	}
	if len(replicaStore.order) != upsertsBeforeRequeue {
		t.Fatalf("retiring a superseded record must not touch the replica, got %v", replicaStore.order)
	}
	if payload, _ := replicaStore.row(entities.EntityWork, "w-1"); payload["days"] != float64(12) {
		t.Fatalf("stale snapshot must never overwrite the newer one, got %v", payload)
	}
}

func TestRunOnceIsolatesSingleRecordFailure(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.failing["work/w-bad"] = errors.New("validation rejected")
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityWork, "w-bad", `{"workId":"w-bad","personId":"p-1"}`)
	enqueue(t, queueStore, entities.EntityWork, "w-good", `{"workId":"w-good","personId":"p-1"}`)

	summary, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 1 || summary.Failed != 1 {
		t.Fatalf("expected one success and one failure, got %+v", summary)
	}
	if _, ok := replicaStore.row(entities.EntityWork, "w-good"); !ok {
		t.Fatalf("healthy record must still be applied")
	}
}

func TestRunOnceMarksFailedAfterAttemptBudget(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.failing["work/w-1"] = errors.New("permanently rejected")
	primarySource := &fakePrimary{rows: map[string]map[string]any{
		"patient/p-1": {"personId": "p-1"},
	}}
	maxAttempts := 3
	service := newTestService(t, queueStore, primarySource, replicaStore, maxAttempts)

	enqueue(t, queueStore, entities.EntityWork, "w-1", `{"workId":"w-1","personId":"p-1"}`)

	ctx := context.Background()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		summary, err := service.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if summary.Failed != 1 {
			t.Fatalf("attempt %d: expected the record to fail, got %+v", attempt, summary)
		}
	}

	// Budget exhausted: the record is failed and excluded from selection.
	summary, err := service.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Synced != 0 || summary.Failed != 0 {
		t.Fatalf("failed record must be excluded from further runs, got %+v", summary)
	}

	batch, err := queueStore.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("pending batch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no pending records, got %d", len(batch))
	}
}

func TestRunOnceFailsRecordMissingParentKey(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	primarySource := &fakePrimary{rows: map[string]map[string]any{}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntitySet, "s-1", `{"setId":"s-1"}`)

	summary, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected payload without parent key to fail, got %+v", summary)
	}
}

func TestRunOnceRejectsConcurrentRun(t *testing.T) {
	queueStore := newTestQueue(t)
	replicaStore := newFakeReplica()
	replicaStore.block = make(chan struct{})
	replicaStore.started = make(chan struct{})
	primarySource := &fakePrimary{rows: map[string]map[string]any{}}
	service := newTestService(t, queueStore, primarySource, replicaStore, 10)

	enqueue(t, queueStore, entities.EntityPatient, "p-1", `{"personId":"p-1"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := service.RunOnce(context.Background()); err != nil {
			t.Errorf("run once: %v", err)
		}
	}()

	<-replicaStore.started
	_, concurrentErr := service.RunOnce(context.Background())
	close(replicaStore.block)
	<-done

	if !errors.Is(concurrentErr, ErrRunActive) {
		t.Fatalf("expected ErrRunActive while a run is in flight, got %v", concurrentErr)
	}
}
