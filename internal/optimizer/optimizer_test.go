package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/objstore"
	"github.com/practo/tablestream/internal/table"
	"github.com/practo/tablestream/internal/table/filefmt"
)

func part(v string) model.PartitionTuple {
	return model.PartitionTuple{{Column: "cobDate", Value: v}}
}

func TestPlanBinsRespectsMaxFileSize(t *testing.T) {
	files := []model.AddedFile{
		{Path: "a", Size: 100, PartitionValues: part("2026-07-30")},
		{Path: "b", Size: 100, PartitionValues: part("2026-07-30")},
		{Path: "c", Size: 100, PartitionValues: part("2026-07-30")},
		{Path: "d", Size: 100, PartitionValues: part("2026-07-30")},
	}
	bins := planBins(files, 1000, 250)
	require.Len(t, bins, 2)
	for _, b := range bins {
		var total int64
		for _, f := range b {
			total += f.Size
		}
		assert.LessOrEqual(t, total, int64(250))
	}
}

func TestPlanBinsSkipsFilesAtOrAboveMinSize(t *testing.T) {
	files := []model.AddedFile{
		{Path: "small", Size: 10, PartitionValues: part("2026-07-30")},
		{Path: "small2", Size: 10, PartitionValues: part("2026-07-30")},
		{Path: "big", Size: 10_000, PartitionValues: part("2026-07-30")},
	}
	bins := planBins(files, 1000, 100_000)
	require.Len(t, bins, 1)
	assert.Len(t, bins[0], 2)
}

func TestPlanBinsSkipsLoneFiles(t *testing.T) {
	files := []model.AddedFile{
		{Path: "only", Size: 10, PartitionValues: part("2026-07-30")},
	}
	bins := planBins(files, 1000, 100_000)
	assert.Empty(t, bins, "a partition with no pairable small file produces no bin")
}

func testTableSchema() *model.Schema {
	return &model.Schema{Name: "orders", Version: 1, Fields: []*model.SchemaField{
		{Name: "amount", Type: model.TypeDouble, Required: true},
	}}
}

// seedCompactableTable writes a CREATE_TABLE commit (version 0) and a WRITE
// commit (version 1) adding two small real data files per partition, so
// rewriteBin has something it can actually download and decode.
func seedCompactableTable(t *testing.T, store objstore.Store, prefix string, partitions []string) {
	t.Helper()
	schema := testTableSchema()
	zero := &model.Commit{
		Version:      0,
		SchemaChange: &model.SchemaChange{Schema: schema, PartitionColumns: []string{"cobDate"}},
		Info:         model.CommitInfo{Operation: "CREATE_TABLE"},
	}
	data, err := table.EncodeCommit(zero)
	require.NoError(t, err)
	_, err = store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 0), data)
	require.NoError(t, err)

	var added []model.AddedFile
	for _, pv := range partitions {
		for i := 0; i < 2; i++ {
			path := fmt.Sprintf("%s/data/cobDate=%s/seed-%d.tsf", prefix, pv, i)
			rows := []map[string]interface{}{{"amount": 1.5}}
			body, _, err := filefmt.Write(schema, rows)
			require.NoError(t, err)
			require.NoError(t, store.Put(context.Background(), path, bytes.NewReader(body), int64(len(body))))
			added = append(added, model.AddedFile{Path: path, Size: int64(len(body)), PartitionValues: part(pv)})
		}
	}
	one := &model.Commit{
		Version: 1,
		Added:   added,
		Info:    model.CommitInfo{Operation: "WRITE", Timestamp: time.Now()},
	}
	data, err = table.EncodeCommit(one)
	require.NoError(t, err)
	_, err = store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 1), data)
	require.NoError(t, err)
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestRewriteBinAbandonsOnExhaustedRetries(t *testing.T) {
	store := objstore.NewMemStore()
	prefix := "t/orders"
	seedCompactableTable(t, store, prefix, []string{"2026-07-30"})

	tcfg := table.Config{TablePrefix: prefix, InitialSchema: testTableSchema(), PartitionColumns: []string{"cobDate"}}
	ocfg := Config{MinFileSize: 1_000_000, MaxFileSize: 10_000_000, MaxBinRetries: 0}
	opt := New(store, map[string]table.Config{prefix: tcfg}, map[string]Config{prefix: ocfg}, logging.NewNop(), sequentialIDs("merged"))

	// Occupy the version the bin rewrite would need, with unrelated content.
	foreign := &model.Commit{Version: 2, Info: model.CommitInfo{Operation: "WRITE"}}
	data, err := table.EncodeCommit(foreign)
	require.NoError(t, err)
	created, err := store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 2), data)
	require.NoError(t, err)
	require.True(t, created)

	st, err := table.LoadHead(context.Background(), store, prefix, tcfg.InitialSchema, 1)
	require.NoError(t, err)
	bin := st.LiveFiles

	err = opt.rewriteBin(context.Background(), tcfg, ocfg, bin)
	require.Error(t, err)
	assert.Equal(t, classify.CommitConflict, classify.KindOf(err))

	for _, f := range bin {
		_, gerr := store.Get(context.Background(), f.Path)
		assert.NoError(t, gerr, "an abandoned bin must leave its input files live")
	}
}

// poisonedStore fails the first poisonFirstN PutIfAbsent calls unconditionally
// with objstore.ErrAlreadyExists, regardless of path, then passes every later
// call through to the wrapped store. With MaxConcurrentBins serialized to 1,
// this deterministically exhausts whichever bin runs first's retry budget
// while leaving the bin that runs second free to commit normally.
type poisonedStore struct {
	objstore.Store
	mu           sync.Mutex
	calls        int
	poisonFirstN int
}

func newPoisonedStore(store objstore.Store, poisonFirstN int) *poisonedStore {
	return &poisonedStore{Store: store, poisonFirstN: poisonFirstN}
}

func (s *poisonedStore) PutIfAbsent(ctx context.Context, path string, body []byte) (bool, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n <= s.poisonFirstN {
		return false, objstore.ErrAlreadyExists
	}
	return s.Store.PutIfAbsent(ctx, path, body)
}

func TestCompactAbandonsOneLosingBinWithoutFailingTheOthers(t *testing.T) {
	real := objstore.NewMemStore()
	prefix := "t/orders"
	seedCompactableTable(t, real, prefix, []string{"2026-07-30", "2026-07-31"})
	store := newPoisonedStore(real, 3) // exhausts a MaxBinRetries=2 bin's 3 attempts (0,1,2)

	tcfg := table.Config{TablePrefix: prefix, InitialSchema: testTableSchema(), PartitionColumns: []string{"cobDate"}}
	ocfg := Config{MinFileSize: 1_000_000, MaxFileSize: 10_000_000, MaxConcurrentBins: 1, MaxBinRetries: 2}
	opt := New(store, map[string]table.Config{prefix: tcfg}, map[string]Config{prefix: ocfg}, logging.NewNop(), sequentialIDs("merged"))

	require.NoError(t, opt.Compact(context.Background(), prefix))

	objs, err := real.List(context.Background(), prefix+"/_commits/")
	require.NoError(t, err)
	head := objstore.LatestCommitVersion(objs)
	st, err := table.LoadHead(context.Background(), real, prefix, tcfg.InitialSchema, head)
	require.NoError(t, err)

	byPartition := map[string]int{}
	for _, f := range st.LiveFiles {
		byPartition[f.PartitionValues.Key()] = byPartition[f.PartitionValues.Key()] + 1
	}
	require.Len(t, byPartition, 2)
	counts := []int{byPartition["cobDate=2026-07-30"], byPartition["cobDate=2026-07-31"]}
	assert.ElementsMatch(t, []int{1, 2}, counts, "one partition compacts to a single file, the other is abandoned untouched")
}

func TestVacuumRefusesWhenRetentionShorterThanLookback(t *testing.T) {
	store := objstore.NewMemStore()
	prefix := "t/orders"
	seedCompactableTable(t, store, prefix, []string{"2026-07-30"})

	tcfg := table.Config{TablePrefix: prefix, InitialSchema: testTableSchema()}
	ocfg := Config{VacuumEnabled: true, RetentionWindow: time.Hour, ReaderMaxLookback: 2 * time.Hour}
	opt := New(store, map[string]table.Config{prefix: tcfg}, map[string]Config{prefix: ocfg}, logging.NewNop(), sequentialIDs("x"))

	err := opt.Vacuum(context.Background(), prefix)
	require.Error(t, err)
	assert.Equal(t, classify.Config, classify.KindOf(err))
}

func TestVacuumIsNoopWhenDisabled(t *testing.T) {
	store := objstore.NewMemStore()
	prefix := "t/orders"
	seedCompactableTable(t, store, prefix, []string{"2026-07-30"})

	tcfg := table.Config{TablePrefix: prefix, InitialSchema: testTableSchema()}
	ocfg := Config{VacuumEnabled: false}
	opt := New(store, map[string]table.Config{prefix: tcfg}, map[string]Config{prefix: ocfg}, logging.NewNop(), sequentialIDs("x"))
	require.NoError(t, opt.Vacuum(context.Background(), prefix))

	objs, err := store.List(context.Background(), prefix+"/data/")
	require.NoError(t, err)
	assert.Len(t, objs, 2, "a disabled vacuum must not delete anything")
}

func TestVacuumDeletesOldRemovedAndOrphanFilesButKeepsLiveAndRecent(t *testing.T) {
	store := objstore.NewMemStore()
	prefix := "t/orders"
	schema := testTableSchema()

	zero := &model.Commit{Version: 0, SchemaChange: &model.SchemaChange{Schema: schema, PartitionColumns: []string{"cobDate"}}, Info: model.CommitInfo{Operation: "CREATE_TABLE"}}
	data, _ := table.EncodeCommit(zero)
	_, err := store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 0), data)
	require.NoError(t, err)

	pathA := prefix + "/data/cobDate=2026-07-20/a.tsf"
	pathB := prefix + "/data/cobDate=2026-07-30/b.tsf"
	pathOrphan := prefix + "/data/cobDate=2026-07-20/orphan.tsf"
	require.NoError(t, store.Put(context.Background(), pathA, bytes.NewReader([]byte("a")), 1))
	require.NoError(t, store.Put(context.Background(), pathB, bytes.NewReader([]byte("b")), 1))
	require.NoError(t, store.Put(context.Background(), pathOrphan, bytes.NewReader([]byte("o")), 1))

	oldWrite := &model.Commit{
		Version: 1,
		Added:   []model.AddedFile{{Path: pathA, Size: 1, PartitionValues: part("2026-07-20")}},
		Info:    model.CommitInfo{Operation: "WRITE", Timestamp: time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)},
	}
	data, _ = table.EncodeCommit(oldWrite)
	_, err = store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 1), data)
	require.NoError(t, err)

	removeAAddB := &model.Commit{
		Version: 2,
		Added:   []model.AddedFile{{Path: pathB, Size: 1, PartitionValues: part("2026-07-30")}},
		Removed: []model.RemovedFile{{Path: pathA}},
		Info:    model.CommitInfo{Operation: "OPTIMIZE", Timestamp: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)},
	}
	data, _ = table.EncodeCommit(removeAAddB)
	_, err = store.PutIfAbsent(context.Background(), objstore.CommitPath(prefix, 2), data)
	require.NoError(t, err)

	tcfg := table.Config{TablePrefix: prefix, InitialSchema: schema}
	ocfg := Config{VacuumEnabled: true, RetentionWindow: 24 * time.Hour, ReaderMaxLookback: time.Hour}
	opt := New(store, map[string]table.Config{prefix: tcfg}, map[string]Config{prefix: ocfg}, logging.NewNop(), sequentialIDs("x"))
	opt.now = func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, opt.Vacuum(context.Background(), prefix))

	_, err = store.Get(context.Background(), pathB)
	assert.NoError(t, err, "the live, recently-added file must survive")
	_, err = store.Get(context.Background(), pathA)
	assert.ErrorIs(t, err, objstore.ErrNotFound, "removed file outside the retention window must be deleted")
	_, err = store.Get(context.Background(), pathOrphan)
	assert.ErrorIs(t, err, objstore.ErrNotFound, "a file referenced by no commit must be deleted")
}

func TestIntervalForAndVacuumEnabledForAccessors(t *testing.T) {
	opt := New(objstore.NewMemStore(),
		map[string]table.Config{"t/orders": {TablePrefix: "t/orders"}},
		map[string]Config{"t/orders": {OptimizeInterval: 50, VacuumEnabled: true}},
		logging.NewNop(), sequentialIDs("x"))

	assert.Equal(t, int64(50), opt.IntervalFor("t/orders"))
	assert.True(t, opt.VacuumEnabledFor("t/orders"))
	assert.Equal(t, int64(0), opt.IntervalFor("unknown"))
	assert.False(t, opt.VacuumEnabledFor("unknown"))
}
