// Package model holds the in-flight and at-rest data types the engine
// passes between stages: raw Records off the broker, ParsedRecords after the
// schema-aware parser, Batches accumulated per partition key, and the
// on-disk Table/commit-log shapes the writer produces.
package model

import "time"

// Format is the wire format a raw payload was detected as.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCSV
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatCSV:
		return "CSV"
	case FormatBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// SourceRef identifies where a record came from in the source log, enough
// to re-derive offset-commit state and to stamp provenance metadata.
type SourceRef struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Record is a raw record pulled off the broker, alive only between consume
// and acknowledge.
type Record struct {
	Topic            string
	Partition        int32
	Offset           int64
	Key              []byte
	RawPayload       []byte
	ArrivalTimestamp time.Time
	CorrelationID    string
}

// ParsedRecord is a Record that has been decoded and typed against its
// topic's canonical schema.
type ParsedRecord struct {
	Fields          map[string]interface{}
	DetectedFormat  Format
	CobDate         string // ISO-8601 date, e.g. "2024-01-15"
	BusinessTime    *time.Time
	Enrichment      map[string]interface{}
	SourceRef       SourceRef
	CorrelationID   string
	ArrivalTime     time.Time
	SchemaName      string
	SchemaVersion   int
}

// Clone returns a deep-enough copy of p suitable for mutation by the
// transform stage without aliasing the parser's maps.
func (p *ParsedRecord) Clone() *ParsedRecord {
	cp := *p
	cp.Fields = make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		cp.Fields[k] = v
	}
	cp.Enrichment = make(map[string]interface{}, len(p.Enrichment))
	for k, v := range p.Enrichment {
		cp.Enrichment[k] = v
	}
	return &cp
}

// PartitionTuple is the ordered set of partition-column values a batch or
// data file belongs to. Declared partition columns never change after table
// creation, so this is always keyed in the table's declared column order.
type PartitionTuple []PartitionValue

// PartitionValue is one column=value pair in a PartitionTuple.
type PartitionValue struct {
	Column string
	Value  string
}

// Key renders the tuple into the "<col>=<value>" path segments used both as
// a map key and as the leading part of a data file's object-store path.
func (t PartitionTuple) Key() string {
	s := ""
	for i, v := range t {
		if i > 0 {
			s += "/"
		}
		s += v.Column + "=" + v.Value
	}
	return s
}

// BatchKey identifies an open accumulator bucket: a logical topic name plus
// the partition tuple all of its rows share.
type BatchKey struct {
	TopicLogicalName string
	PartitionKey     string // PartitionTuple.Key(), used as the map key
}

// Batch is an in-memory group of rows destined for one commit's add set.
// Invariant: every row's partition tuple renders to the same PartitionKey.
type Batch struct {
	Key                 BatchKey
	Partition           PartitionTuple
	Rows                []*ParsedRecord
	FirstArrival        time.Time
	LastArrival         time.Time
	ByteSize            int64
	FirstOffsetPerPart  map[int32]int64
	LastOffsetPerPart   map[int32]int64
}

// NewBatch starts an empty batch for the given key/partition tuple.
func NewBatch(key BatchKey, partition PartitionTuple) *Batch {
	return &Batch{
		Key:                key,
		Partition:          partition,
		FirstOffsetPerPart: make(map[int32]int64),
		LastOffsetPerPart:  make(map[int32]int64),
	}
}

// Add appends a row to the batch, updating arrival/offset/size bookkeeping.
// Callers are responsible for checking that row's partition tuple matches
// b.Partition before calling Add.
func (b *Batch) Add(row *ParsedRecord, byteSize int64) {
	if len(b.Rows) == 0 {
		b.FirstArrival = row.ArrivalTime
	}
	b.LastArrival = row.ArrivalTime
	b.Rows = append(b.Rows, row)
	b.ByteSize += byteSize

	ref := row.SourceRef
	if _, ok := b.FirstOffsetPerPart[ref.Partition]; !ok {
		b.FirstOffsetPerPart[ref.Partition] = ref.Offset
	}
	b.LastOffsetPerPart[ref.Partition] = ref.Offset
}

// Empty reports whether the batch has no rows (used to short-circuit a
// time-triggered flush into a no-op, per the spec's boundary behaviour).
func (b *Batch) Empty() bool { return len(b.Rows) == 0 }

// SchemaField describes one field of a canonical or table schema.
type SchemaField struct {
	Name     string
	Type     FieldType
	Required bool
	Nullable bool
	Elem     *SchemaField   // for ARRAY
	Fields   []*SchemaField // for STRUCT/MAP-of-struct
	Symbols  []string       // for ENUM
}

// FieldType is the canonical type taxonomy from the parser's coercion table.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt32
	TypeInt64
	TypeDouble
	TypeBoolean
	TypeTimestampMillis
	TypeEnum
	TypeArray
	TypeMap
	TypeStruct
)

// Schema is the canonical, versioned description of a topic's payload shape.
type Schema struct {
	Name    string
	Version int
	Fields  []*SchemaField
}

// FieldByName returns the field with the given name, or nil.
func (s *Schema) FieldByName(name string) *SchemaField {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FileStats holds per-column min/max/null-count/total-count statistics
// collected while writing a data file, as required by the commit entry's
// add.stats.
type FileStats struct {
	Column     string
	Min        string
	Max        string
	NullCount  int64
	TotalCount int64
}

// AddedFile describes one data file referenced by a commit's add list.
type AddedFile struct {
	Path            string
	Size            int64
	PartitionValues PartitionTuple
	Stats           []FileStats
}

// RemovedFile describes one data file referenced by a commit's remove list.
type RemovedFile struct {
	Path string
}

// CommitInfo is the metadata attached to every commit, including the
// fingerprint used for write-side idempotence.
type CommitInfo struct {
	Timestamp        time.Time
	Operation        string // "CREATE_TABLE", "WRITE" or "OPTIMIZE"
	EngineInfo       string
	CorrelationID    string
	BatchFingerprint string
}

// SchemaChange records a compatible schema widening applied in this commit.
type SchemaChange struct {
	Schema           *Schema
	PartitionColumns []string
}

// Commit is one entry in a table's commit log: a strictly monotonic,
// append-only unit of change.
type Commit struct {
	Version          int64
	ProtocolVersion  int
	SchemaChange     *SchemaChange
	Added            []AddedFile
	Removed          []RemovedFile
	Info             CommitInfo
}

// WriteResult is returned by the table writer on a successful commit.
type WriteResult struct {
	Version    int64
	FilesAdded int
	BytesAdded int64
	RowsAdded  int64
	Deduped    bool // true if this was recognized as an already-applied fingerprint
}
