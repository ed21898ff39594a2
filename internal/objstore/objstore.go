// Package objstore is the engine's seam onto the flat-namespace object
// store the commit log and data files live in. The interface and the
// atomic-create semantics of PutIfAbsent are modeled directly on
// transparency-dev/trillian-tessera's storage/aws package, which solves
// exactly the same problem (coordinating an append-only commit log across
// multiple writers using only S3 preconditions).
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyExists is returned by PutIfAbsent when the object already
// exists with different content than what the caller tried to write, i.e. a
// genuine commit race rather than an idempotent replay.
var ErrAlreadyExists = errors.New("objstore: object already exists")

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectInfo describes one entry returned by List.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Store is the flat-namespace object store contract from the external
// interfaces section: Get, List, Delete, and an atomic create-if-absent Put.
type Store interface {
	// Get fetches an object's contents. Returns ErrNotFound if absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// List enumerates objects under prefix, in ascending path order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a non-existent object is not an
	// error (the store is expected to be eventually read-after-delete
	// consistent for objects it never held).
	Delete(ctx context.Context, path string) error

	// Put uploads an object unconditionally, overwriting any prior content.
	// Used for data files, which are always written under a fresh
	// uuid-bearing path and never need a conditional write.
	Put(ctx context.Context, path string, body io.Reader, size int64) error

	// PutIfAbsent uploads an object only if nothing exists yet at path,
	// returning (true, nil) on a fresh write. If an object already exists
	// and its content is byte-identical to body, this returns (false, nil)
	// — an idempotent no-op commit retry. If an object exists with
	// different content, it returns (false, ErrAlreadyExists). This is the
	// atomic primitive the table writer's commit protocol depends on.
	PutIfAbsent(ctx context.Context, path string, body []byte) (created bool, err error)
}

// LatestCommitVersion scans the commits directory listing for the highest
// version number, returning -1 if no commits exist yet. It does not check
// that the versions below it are all present. Commit files
// are named "<20-digit zero-padded version>.json"; this helper is shared by
// both the table writer and the optimizer so version parsing has one
// implementation.
func LatestCommitVersion(objs []ObjectInfo) int64 {
	best := int64(-1)
	for _, o := range objs {
		base := o.Path
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if !strings.HasSuffix(base, ".json") || strings.Contains(base, "checkpoint") {
			continue
		}
		numPart := strings.TrimSuffix(base, ".json")
		if len(numPart) != 20 {
			continue
		}
		v, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil {
			continue
		}
		if v > best {
			best = v
		}
	}
	return best
}

// SortObjectsByPath sorts objs in place by path, ascending.
func SortObjectsByPath(objs []ObjectInfo) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path < objs[j].Path })
}

// CommitPath renders a commit's canonical object path for a table prefix.
func CommitPath(tablePrefix string, version int64) string {
	return tablePrefix + "/_commits/" + zeroPad20(version) + ".json"
}

// CheckpointPath renders a checkpoint's canonical object path.
func CheckpointPath(tablePrefix string, version int64) string {
	return tablePrefix + "/_commits/" + zeroPad20(version) + ".checkpoint.json"
}

func zeroPad20(v int64) string {
	return fmt.Sprintf("%020d", v)
}
