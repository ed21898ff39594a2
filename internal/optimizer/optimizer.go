// Package optimizer implements the asynchronous compaction and vacuum
// maintenance from spec.md §4.6. It never runs on the ingest path: a table
// with no optimizer running is still correct, just slower to query and
// slower to release disk, which is why every failure here is logged and
// retried on the next cycle rather than surfaced to the caller as fatal.
package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/objstore"
	"github.com/practo/tablestream/internal/table"
	"github.com/practo/tablestream/internal/table/filefmt"
)

// Config is one table's optimizer tuning, drawn from its processing spec.
type Config struct {
	MinFileSize       int64 // files smaller than this are compaction candidates
	MaxFileSize       int64 // bins never exceed this combined size
	OptimizeInterval  int64 // run compaction every N commits
	MaxConcurrentBins int   // default 4
	MaxBinRetries     int   // default 3, bounded conflict retries per bin

	VacuumEnabled      bool
	RetentionWindow    time.Duration
	ReaderMaxLookback  time.Duration
}

// Optimizer runs compaction and vacuum for a fixed set of tables.
type Optimizer struct {
	store  objstore.Store
	tables map[string]table.Config
	cfgs   map[string]Config
	log    logging.Logger
	now    func() time.Time
	newID  func() string
}

// New builds an Optimizer. tables and cfgs are keyed by table prefix (not
// topic logical name — a table may be fed by more than one topic).
func New(store objstore.Store, tables map[string]table.Config, cfgs map[string]Config, log logging.Logger, newID func() string) *Optimizer {
	return &Optimizer{store: store, tables: tables, cfgs: cfgs, log: log, now: time.Now, newID: newID}
}

// IntervalFor returns a table's configured commit-count optimize interval,
// or 0 if the table is unknown (the caller should treat 0 as "never fires
// on its own", since compaction can still be run explicitly).
func (o *Optimizer) IntervalFor(tablePrefix string) int64 {
	return o.cfgs[tablePrefix].OptimizeInterval
}

// VacuumEnabledFor reports whether tablePrefix has vacuum turned on.
func (o *Optimizer) VacuumEnabledFor(tablePrefix string) bool {
	return o.cfgs[tablePrefix].VacuumEnabled
}

// Compact runs one compaction pass over tablePrefix: files below MinFileSize
// are grouped into bins up to MaxFileSize and rewritten into single files,
// per partition tuple. A bin that loses every commit race rewriteBin allows
// is abandoned (its inputs stay live, to be picked up by the next pass);
// compaction of the other bins still proceeds.
func (o *Optimizer) Compact(ctx context.Context, tablePrefix string) error {
	tcfg, ok := o.tables[tablePrefix]
	if !ok {
		return classify.New(classify.Config, fmt.Sprintf("optimizer: no table configured for %q", tablePrefix))
	}
	ocfg := o.cfgs[tablePrefix]
	if ocfg.MaxConcurrentBins <= 0 {
		ocfg.MaxConcurrentBins = 4
	}
	if ocfg.MaxBinRetries <= 0 {
		ocfg.MaxBinRetries = 3
	}

	objs, err := o.store.List(ctx, tablePrefix+"/_commits/")
	if err != nil {
		return classify.Wrap(classify.TransientStore, "optimizer: list commit log", err)
	}
	head := objstore.LatestCommitVersion(objs)
	if head < 0 {
		return nil // table not yet created
	}
	st, err := table.LoadHead(ctx, o.store, tablePrefix, tcfg.InitialSchema, head)
	if err != nil {
		return err
	}

	bins := planBins(st.LiveFiles, ocfg.MinFileSize, ocfg.MaxFileSize)
	if len(bins) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ocfg.MaxConcurrentBins)
	for _, bin := range bins {
		bin := bin
		g.Go(func() error {
			if err := o.rewriteBin(gctx, tcfg, ocfg, bin); err != nil {
				o.log.Warnw("optimizer: bin rewrite abandoned", "table", tablePrefix, "err", err)
			}
			return nil // a failed bin never fails the whole compaction pass
		})
	}
	return g.Wait()
}

// planBins groups a partition's small files into bins whose combined size
// never exceeds maxFileSize, using next-fit decreasing: a simple,
// well-understood bin-packing heuristic appropriate for file counts in the
// thousands, not the pathological case on-line bin-packing research targets.
func planBins(files []model.AddedFile, minFileSize, maxFileSize int64) [][]model.AddedFile {
	byPartition := map[string][]model.AddedFile{}
	for _, f := range files {
		if minFileSize > 0 && f.Size >= minFileSize {
			continue
		}
		key := f.PartitionValues.Key()
		byPartition[key] = append(byPartition[key], f)
	}

	var bins [][]model.AddedFile
	for _, group := range byPartition {
		sort.Slice(group, func(i, j int) bool { return group[i].Size > group[j].Size })
		var current []model.AddedFile
		var currentSize int64
		for _, f := range group {
			if currentSize+f.Size > maxFileSize && len(current) > 0 {
				if len(current) >= 2 {
					bins = append(bins, current)
				}
				current = nil
				currentSize = 0
			}
			current = append(current, f)
			currentSize += f.Size
		}
		if len(current) >= 2 {
			bins = append(bins, current)
		}
	}
	return bins
}

// rewriteBin downloads a bin's input files, merges their rows, writes one
// new data file, and commits addedFiles=[new] removedFiles=[inputs] with
// operation=OPTIMIZE. On a commit conflict it tries the next version, up to
// MaxBinRetries more times, then gives up with a CommitConflict error — the
// next scheduled compaction will re-discover these files if they are still
// small.
func (o *Optimizer) rewriteBin(ctx context.Context, tcfg table.Config, ocfg Config, bin []model.AddedFile) error {
	objs, err := o.store.List(ctx, tcfg.TablePrefix+"/_commits/")
	if err != nil {
		return classify.Wrap(classify.TransientStore, "optimizer: list commit log", err)
	}
	head := objstore.LatestCommitVersion(objs)
	st, err := table.LoadHead(ctx, o.store, tcfg.TablePrefix, tcfg.InitialSchema, head)
	if err != nil {
		return err
	}

	var allRows []map[string]interface{}
	var totalSize int64
	for _, f := range bin {
		data, err := o.store.Get(ctx, f.Path)
		if err != nil {
			return classify.Wrap(classify.TransientStore, fmt.Sprintf("optimizer: read %q", f.Path), err)
		}
		rows, err := filefmt.Read(data)
		if err != nil {
			return fmt.Errorf("optimizer: decode %q: %w", f.Path, err)
		}
		allRows = append(allRows, rows...)
		totalSize += f.Size
	}

	out, stats, err := filefmt.Write(st.Schema, allRows)
	if err != nil {
		return fmt.Errorf("optimizer: encode rewritten file: %w", err)
	}
	newPath := tcfg.TablePrefix + "/data/" + bin[0].PartitionValues.Key() + "/" + o.newID() + ".tsf"
	if err := o.store.Put(ctx, newPath, bytes.NewReader(out), int64(len(out))); err != nil {
		return classify.Wrap(classify.TransientStore, "optimizer: write rewritten file", err)
	}

	removed := make([]model.RemovedFile, len(bin))
	for i, f := range bin {
		removed[i] = model.RemovedFile{Path: f.Path}
	}

	bo := ocfg.MaxBinRetries
	version := head
	for attempt := 0; attempt <= bo; attempt++ {
		nextVersion := version + 1
		commit := &model.Commit{
			Version:         nextVersion,
			ProtocolVersion: 1,
			Added: []model.AddedFile{{
				Path:            newPath,
				Size:            int64(len(out)),
				PartitionValues: bin[0].PartitionValues,
				Stats:           stats,
			}},
			Removed: removed,
			Info: model.CommitInfo{
				Timestamp:  o.now().UTC(),
				Operation:  "OPTIMIZE",
				EngineInfo: tcfg.EngineInfo,
			},
		}
		data, err := table.EncodeCommit(commit)
		if err != nil {
			return err
		}
		created, err := o.store.PutIfAbsent(ctx, objstore.CommitPath(tcfg.TablePrefix, nextVersion), data)
		if created {
			o.log.Infow("optimizer: compacted bin", "table", tcfg.TablePrefix, "files", len(bin), "bytes", totalSize, "version", nextVersion)
			return nil
		}
		if err != nil && err != objstore.ErrAlreadyExists {
			return classify.Wrap(classify.TransientStore, "optimizer: commit", err)
		}
		version = nextVersion
	}
	return classify.New(classify.CommitConflict, fmt.Sprintf("optimizer: bin on table %s lost %d consecutive commit races", tcfg.TablePrefix, bo+1))
}

// Vacuum deletes data files that are neither in the table's current live
// file set nor were added within RetentionWindow, refusing to run if the
// configured retention window is shorter than the reader's max lookback
// (the guard that keeps an in-flight read from losing a file mid-scan).
func (o *Optimizer) Vacuum(ctx context.Context, tablePrefix string) error {
	tcfg, ok := o.tables[tablePrefix]
	if !ok {
		return classify.New(classify.Config, fmt.Sprintf("optimizer: no table configured for %q", tablePrefix))
	}
	ocfg := o.cfgs[tablePrefix]
	if !ocfg.VacuumEnabled {
		return nil
	}
	if ocfg.RetentionWindow < ocfg.ReaderMaxLookback {
		return classify.New(classify.Config, fmt.Sprintf(
			"optimizer: table %s retentionWindow (%s) is shorter than readerMaxLookback (%s), refusing to vacuum",
			tablePrefix, ocfg.RetentionWindow, ocfg.ReaderMaxLookback))
	}

	commitObjs, err := o.store.List(ctx, tablePrefix+"/_commits/")
	if err != nil {
		return classify.Wrap(classify.TransientStore, "optimizer: list commit log", err)
	}
	head := objstore.LatestCommitVersion(commitObjs)
	if head < 0 {
		return nil
	}

	cutoff := o.now().UTC().Add(-ocfg.RetentionWindow)
	keep := map[string]bool{}
	for v := int64(0); v <= head; v++ {
		c, err := table.ReadCommit(ctx, o.store, tablePrefix, v)
		if err != nil {
			return classify.Wrap(classify.TransientStore, fmt.Sprintf("optimizer: read commit %d", v), err)
		}
		if c.Info.Timestamp.After(cutoff) {
			for _, a := range c.Added {
				keep[a.Path] = true
			}
		}
	}
	st, err := table.LoadHead(ctx, o.store, tablePrefix, tcfg.InitialSchema, head)
	if err != nil {
		return err
	}
	for _, f := range st.LiveFiles {
		keep[f.Path] = true
	}

	dataObjs, err := o.store.List(ctx, tablePrefix+"/data/")
	if err != nil {
		return classify.Wrap(classify.TransientStore, "optimizer: list data files", err)
	}

	deleted := 0
	for _, obj := range dataObjs {
		if keep[obj.Path] {
			continue
		}
		if err := o.store.Delete(ctx, obj.Path); err != nil {
			return classify.Wrap(classify.TransientStore, fmt.Sprintf("optimizer: delete %q", obj.Path), err)
		}
		deleted++
	}
	o.log.Infow("optimizer: vacuumed table", "table", tablePrefix, "deleted", deleted)
	return nil
}
