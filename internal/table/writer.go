// Package table implements the transactional table writer from spec.md
// §4.5: an append-only, versioned commit log over a flat object store, with
// atomic PUT-if-absent commits, content-fingerprint write-side idempotence,
// and nullable-widen-only schema evolution.
package table

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"

	"github.com/practo/tablestream/internal/classify"
	"github.com/practo/tablestream/internal/logging"
	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/objstore"
	"github.com/practo/tablestream/internal/table/filefmt"
)

// Config is one table's static configuration: where it lives, its declared
// partition columns (immutable after creation), and the schema it is
// created with if no commit log exists yet.
type Config struct {
	TablePrefix      string
	PartitionColumns []string
	InitialSchema    *model.Schema
	MaxCommitRetries int // default 10, per spec.md §4.5
	EngineInfo       string
}

// Writer implements batch.Flusher against an objstore.Store, running the
// full ensure-table / load-head / project-schema / write-files / commit
// loop for every flushed batch.
type Writer struct {
	store  objstore.Store
	cache  *CommitCache
	tables map[string]Config // topicLogicalName -> table config
	log    logging.Logger
	now    func() time.Time
	newID  func() string

	onCommit func(tablePrefix string, version int64)
}

// New builds a Writer. tables maps each topic's logical name to the table it
// writes into; a single table may be the target of more than one topic.
func New(store objstore.Store, tables map[string]Config, log logging.Logger) *Writer {
	for name, cfg := range tables {
		if cfg.MaxCommitRetries <= 0 {
			cfg.MaxCommitRetries = 10
			tables[name] = cfg
		}
	}
	return &Writer{
		store:  store,
		cache:  NewCommitCache(),
		tables: tables,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// OnCommit registers a callback invoked (best-effort, from the flushing
// goroutine) after every successful, non-deduped WRITE commit. The
// optimizer worker uses this to drive compaction off commit counts instead
// of a hidden timer, per spec.md §9.
func (w *Writer) OnCommit(fn func(tablePrefix string, version int64)) {
	w.onCommit = fn
}

// Flush implements batch.Flusher: writes b's rows as exactly one new data
// file, whatever its size (large batches are not split across files), and
// appends a single commit recording it, per spec.md §4.5.
func (w *Writer) Flush(ctx context.Context, topicLogicalName string, b *model.Batch) error {
	if b.Empty() {
		return nil
	}
	cfg, ok := w.tables[topicLogicalName]
	if !ok {
		return classify.New(classify.Config, fmt.Sprintf("no table configured for topic %q", topicLogicalName))
	}

	head, err := w.ensureAndLoad(ctx, cfg)
	if err != nil {
		return err
	}

	liveSchema, _, err := mergeSchema(head.Schema, b.Rows)
	if err != nil {
		return err
	}

	fp := batchFingerprint(topicLogicalName, b)

	cols := rowsToColumns(liveSchema, b.Rows)
	fileBytes, stats, err := filefmt.Write(liveSchema, cols)
	if err != nil {
		return classify.Wrap(classify.Validation, "encode data file", err)
	}

	path := cfg.TablePrefix + "/data/" + b.Partition.Key() + "/" + w.newID() + ".tsf"
	if err := w.store.Put(ctx, path, bytes.NewReader(fileBytes), int64(len(fileBytes))); err != nil {
		return classify.Wrap(classify.TransientStore, "write data file", err)
	}

	added := model.AddedFile{
		Path:            path,
		Size:            int64(len(fileBytes)),
		PartitionValues: b.Partition,
		Stats:           stats,
	}

	result, err := w.commitWithRetry(ctx, cfg, head, added, b.Rows, fp)
	if err != nil {
		return err
	}
	if !result.Deduped {
		w.log.Infow("committed batch", "topic", topicLogicalName, "table", cfg.TablePrefix,
			"version", result.Version, "rows", result.RowsAdded, "bytes", result.BytesAdded)
	}
	return nil
}

// ensureAndLoad returns the table's current head, creating commit 0 (schema
// + partition columns, no data files) first if the commit log is empty.
func (w *Writer) ensureAndLoad(ctx context.Context, cfg Config) (*TableState, error) {
	if st, ok := w.cache.Get(cfg.TablePrefix); ok {
		return st, nil
	}

	objs, err := w.store.List(ctx, cfg.TablePrefix+"/_commits/")
	if err != nil {
		return nil, classify.Wrap(classify.TransientStore, "list commit log", err)
	}
	head := objstore.LatestCommitVersion(objs)

	if head < 0 {
		zero := &model.Commit{
			Version:         0,
			ProtocolVersion: 1,
			SchemaChange:    &model.SchemaChange{Schema: cfg.InitialSchema, PartitionColumns: cfg.PartitionColumns},
			Info: model.CommitInfo{
				Timestamp:  w.now().UTC(),
				Operation:  "CREATE_TABLE",
				EngineInfo: cfg.EngineInfo,
			},
		}
		data, err := encodeCommit(zero)
		if err != nil {
			return nil, err
		}
		created, err := w.store.PutIfAbsent(ctx, objstore.CommitPath(cfg.TablePrefix, 0), data)
		if err != nil && !created {
			return nil, classify.Wrap(classify.TransientStore, "create table commit 0", err)
		}
		st := &TableState{Version: 0, Schema: cfg.InitialSchema}
		w.cache.Set(cfg.TablePrefix, st)
		return st, nil
	}

	return w.loadHead(ctx, cfg, head)
}

// loadHead replays the commit log up to version head and refreshes the
// cache. See LoadHead for the cache-independent replay logic shared with
// the optimizer.
func (w *Writer) loadHead(ctx context.Context, cfg Config, head int64) (*TableState, error) {
	st, err := LoadHead(ctx, w.store, cfg.TablePrefix, cfg.InitialSchema, head)
	if err != nil {
		return nil, err
	}
	w.cache.Set(cfg.TablePrefix, st)
	return st, nil
}

// LoadHead replays a table's commit log from version 0 up to and including
// upTo, folding in every schema change and add/remove, and returns the
// resulting state. It does not touch any CommitCache; callers that want
// caching wrap this (see Writer.loadHead) or manage it themselves (the
// optimizer always wants a fresh snapshot, never a cached one).
func LoadHead(ctx context.Context, store objstore.Store, tablePrefix string, initialSchema *model.Schema, upTo int64) (*TableState, error) {
	schema := initialSchema
	live := map[string]model.AddedFile{}

	for v := int64(0); v <= upTo; v++ {
		c, err := readCommit(ctx, store, tablePrefix, v)
		if err != nil {
			return nil, classify.Wrap(classify.TransientStore, fmt.Sprintf("read commit %d", v), err)
		}
		if c.SchemaChange != nil {
			schema = c.SchemaChange.Schema
		}
		for _, a := range c.Added {
			live[a.Path] = a
		}
		for _, r := range c.Removed {
			delete(live, r.Path)
		}
	}

	files := make([]model.AddedFile, 0, len(live))
	for _, a := range live {
		files = append(files, a)
	}
	return &TableState{Version: upTo, Schema: schema, LiveFiles: files}, nil
}

// mergeSchema widens head (which must be non-nil; a brand-new table passes
// its InitialSchema) so that every field referenced by rows is present,
// nullable if newly added. It refuses
// any change that is not a pure widening: redeclaring an existing field with
// a different type is a classify.Schema error, never silently applied.
func mergeSchema(head *model.Schema, rows []*model.ParsedRecord) (*model.Schema, bool, error) {
	merged := &model.Schema{Name: head.Name, Version: head.Version, Fields: append([]*model.SchemaField(nil), head.Fields...)}
	changed := false

	seen := map[string]*model.SchemaField{}
	for _, f := range merged.Fields {
		seen[f.Name] = f
	}

	observe := func(name string, sample interface{}) error {
		if sample == nil {
			return nil
		}
		t := inferType(sample)
		if existing, ok := seen[name]; ok {
			if existing.Type != t {
				return classify.New(classify.Schema, fmt.Sprintf(
					"field %q redeclared with incompatible type (existing %s, new %s)",
					name, typeName(existing.Type), typeName(t)))
			}
			return nil
		}
		nf := &model.SchemaField{Name: name, Type: t, Nullable: true}
		seen[name] = nf
		merged.Fields = append(merged.Fields, nf)
		changed = true
		return nil
	}

	for _, r := range rows {
		for k, v := range r.Fields {
			if err := observe(k, v); err != nil {
				return nil, false, err
			}
		}
		for k, v := range r.Enrichment {
			if err := observe(k, v); err != nil {
				return nil, false, err
			}
		}
	}

	if changed {
		merged.Version = head.Version + 1
	}
	return merged, changed, nil
}

func typeName(t model.FieldType) string {
	switch t {
	case model.TypeString:
		return "STRING"
	case model.TypeInt32:
		return "INT32"
	case model.TypeInt64:
		return "INT64"
	case model.TypeDouble:
		return "DOUBLE"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeTimestampMillis:
		return "TIMESTAMP_MILLIS"
	default:
		return "UNKNOWN"
	}
}

func inferType(v interface{}) model.FieldType {
	switch v.(type) {
	case string:
		return model.TypeString
	case int32:
		return model.TypeInt32
	case int64, int:
		return model.TypeInt64
	case float64, float32:
		return model.TypeDouble
	case bool:
		return model.TypeBoolean
	case time.Time:
		return model.TypeTimestampMillis
	default:
		return model.TypeString
	}
}

// commitWithRetry implements the atomic commit / conflict-rebase loop: try
// PutIfAbsent at head+1; on ErrAlreadyExists, read the winning commit — if
// its fingerprint matches ours, the write was already applied (dedup, no
// new commit); otherwise rebase onto the new head and retry, bounded by
// cfg.MaxCommitRetries.
func (w *Writer) commitWithRetry(ctx context.Context, cfg Config, head *TableState, added model.AddedFile, rows []*model.ParsedRecord, fingerprint string) (*model.WriteResult, error) {
	bo := backoff.New(ctx, backoff.Config{MinBackoff: 20 * time.Millisecond, MaxBackoff: 2 * time.Second, MaxRetries: cfg.MaxCommitRetries})

	for {
		target, changed, err := mergeSchema(head.Schema, rows)
		if err != nil {
			return nil, err
		}
		nextVersion := head.Version + 1

		commit := &model.Commit{
			Version:         nextVersion,
			ProtocolVersion: 1,
			Added:           []model.AddedFile{added},
			Info: model.CommitInfo{
				Timestamp:        w.now().UTC(),
				Operation:        "WRITE",
				EngineInfo:       cfg.EngineInfo,
				BatchFingerprint: fingerprint,
			},
		}
		if changed {
			commit.SchemaChange = &model.SchemaChange{Schema: target, PartitionColumns: cfg.PartitionColumns}
		}

		data, err := encodeCommit(commit)
		if err != nil {
			return nil, err
		}

		created, err := w.store.PutIfAbsent(ctx, objstore.CommitPath(cfg.TablePrefix, nextVersion), data)
		if err == nil && created {
			st := &TableState{Version: nextVersion, Schema: target, LiveFiles: append(append([]model.AddedFile(nil), head.LiveFiles...), added)}
			w.cache.Set(cfg.TablePrefix, st)
			rowCount := int64(0)
			if len(added.Stats) > 0 {
				rowCount = added.Stats[0].TotalCount
			}
			if w.onCommit != nil {
				w.onCommit(cfg.TablePrefix, nextVersion)
			}
			return &model.WriteResult{Version: nextVersion, FilesAdded: 1, BytesAdded: added.Size, RowsAdded: rowCount}, nil
		}
		if err != nil && err != objstore.ErrAlreadyExists {
			return nil, classify.Wrap(classify.TransientStore, "commit write", err)
		}

		// Conflict: someone else committed nextVersion first. Check if it
		// was actually this same batch (retried flush after a timeout).
		winning, rerr := readCommit(ctx, w.store, cfg.TablePrefix, nextVersion)
		if rerr == nil && winning.Info.BatchFingerprint == fingerprint {
			return &model.WriteResult{Version: nextVersion, Deduped: true}, nil
		}

		w.log.Debugw("commit conflict, rebasing", "table", cfg.TablePrefix, "attemptedVersion", nextVersion)
		bo.Wait()
		if !bo.Ongoing() {
			return nil, classify.New(classify.CommitConflict, fmt.Sprintf("table %s: exceeded %d commit retries", cfg.TablePrefix, cfg.MaxCommitRetries))
		}

		reloaded, err := w.loadHead(ctx, cfg, nextVersion)
		if err != nil {
			return nil, err
		}
		head = reloaded
	}
}
