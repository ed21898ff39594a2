package table

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"

	"github.com/practo/tablestream/internal/model"
	"github.com/practo/tablestream/internal/objstore"
)

// encodeCommit renders a commit as the canonical JSON stored in the commit
// log, one object per version.
func encodeCommit(c *model.Commit) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func decodeCommit(data []byte) (*model.Commit, error) {
	var c model.Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("table: decode commit: %w", err)
	}
	return &c, nil
}

// readCommit fetches and decodes the commit at version v.
func readCommit(ctx context.Context, store objstore.Store, tablePrefix string, v int64) (*model.Commit, error) {
	data, err := store.Get(ctx, objstore.CommitPath(tablePrefix, v))
	if err != nil {
		return nil, err
	}
	return decodeCommit(data)
}

// ReadCommit is the exported form of readCommit, used by the optimizer to
// replay a table's commit log without duplicating the decode logic.
func ReadCommit(ctx context.Context, store objstore.Store, tablePrefix string, v int64) (*model.Commit, error) {
	return readCommit(ctx, store, tablePrefix, v)
}

// EncodeCommit is the exported form of encodeCommit, used by the optimizer
// to serialize OPTIMIZE commits with the same wire shape the writer
// uses for WRITE commits.
func EncodeCommit(c *model.Commit) ([]byte, error) {
	return encodeCommit(c)
}

// batchFingerprint derives a content hash of a batch's rows, the primitive
// write-side idempotence depends on: two Flush calls carrying the same rows
// (e.g. a retried flush after a timeout) produce the same fingerprint, so a
// commit conflict can be resolved as "already applied" instead of a blind
// retry that would duplicate rows.
func batchFingerprint(topicLogicalName string, b *model.Batch) string {
	h := sha256.New()
	fmt.Fprintf(h, "topic=%s\n", topicLogicalName)
	fmt.Fprintf(h, "partition=%s\n", b.Partition.Key())

	// Sort rows by their source offset within partition so fingerprinting is
	// independent of any goroutine-scheduling nondeterminism in how the
	// accumulator appended them.
	type keyedRow struct {
		key string
		row *model.ParsedRecord
	}
	rows := make([]keyedRow, 0, len(b.Rows))
	for _, r := range b.Rows {
		rows = append(rows, keyedRow{key: fmt.Sprintf("%d:%020d", r.SourceRef.Partition, r.SourceRef.Offset), row: r})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	for _, kr := range rows {
		h.Write([]byte(kr.key))
		h.Write([]byte{'\n'})
		writeDeterministicFields(h, kr.row.Fields)
		writeDeterministicFields(h, kr.row.Enrichment)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeDeterministicFields hashes m's entries in sorted-key order so map
// iteration order never affects the fingerprint.
func writeDeterministicFields(h hash.Hash, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(m[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", m[k]))
		}
		fmt.Fprintf(h, "%s=%s\n", k, raw)
	}
}

// rowsToColumns projects a batch's rows into the per-row maps filefmt
// expects, applying schema field names so every row has a (possibly nil)
// entry for every live column.
func rowsToColumns(schema *model.Schema, rows []*model.ParsedRecord) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		m := make(map[string]interface{}, len(schema.Fields))
		for _, f := range schema.Fields {
			if v, ok := r.Fields[f.Name]; ok {
				m[f.Name] = v
			} else if v, ok := r.Enrichment[f.Name]; ok {
				m[f.Name] = v
			} else {
				m[f.Name] = nil
			}
		}
		out[i] = m
	}
	return out
}
