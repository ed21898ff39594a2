// Package filefmt implements the engine's columnar data-file container.
// No example in the retrieval pack wires a parquet/Arrow encoder (see
// DESIGN.md), so this is a small hand-rolled columnar format: one
// snappy-compressed block per column followed by a JSON table-of-contents,
// compressed with the teacher's own klauspost/compress codec — the same
// library franz-go itself depends on for its wire-protocol compression.
package filefmt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/snappy"

	"github.com/practo/tablestream/internal/model"
)

const magic = "TSF1"

// columnEntry is one table-of-contents record.
type columnEntry struct {
	Name       string           `json:"name"`
	Offset     int64            `json:"offset"`
	Length     int64            `json:"length"`
	Stats      model.FileStats  `json:"stats"`
}

// toc is the file's footer: column locations plus the row count.
type toc struct {
	RowCount int64         `json:"rowCount"`
	Columns  []columnEntry `json:"columns"`
}

// Write serializes rows (already projected to schema's field order) into
// the columnar container format, returning the encoded bytes and the
// per-column statistics also embedded in the footer.
//
// rows[i][col] holds the coerced Go value for that row/column, or nil.
func Write(schema *model.Schema, rows []map[string]interface{}) ([]byte, []model.FileStats, error) {
	names := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names) // deterministic column order regardless of schema.Fields slice order

	var buf bytes.Buffer
	buf.WriteString(magic)

	entries := make([]columnEntry, 0, len(names))
	stats := make([]model.FileStats, 0, len(names))

	for _, name := range names {
		values := make([]interface{}, len(rows))
		colStats := model.FileStats{Column: name, TotalCount: int64(len(rows))}
		for i, row := range rows {
			v := row[name]
			values[i] = v
			if v == nil {
				colStats.NullCount++
				continue
			}
			s := fmt.Sprintf("%v", v)
			if colStats.Min == "" || s < colStats.Min {
				colStats.Min = s
			}
			if colStats.Max == "" || s > colStats.Max {
				colStats.Max = s
			}
		}

		raw, err := json.Marshal(values)
		if err != nil {
			return nil, nil, fmt.Errorf("filefmt: encode column %q: %w", name, err)
		}
		compressed := snappy.Encode(nil, raw)

		entries = append(entries, columnEntry{
			Name:   name,
			Offset: int64(buf.Len()),
			Length: int64(len(compressed)),
			Stats:  colStats,
		})
		stats = append(stats, colStats)
		buf.Write(compressed)
	}

	footer, err := json.Marshal(toc{RowCount: int64(len(rows)), Columns: entries})
	if err != nil {
		return nil, nil, fmt.Errorf("filefmt: encode footer: %w", err)
	}
	footerOffset := int64(buf.Len())
	buf.Write(footer)

	var offsetBuf [8]byte
	binary.BigEndian.PutUint64(offsetBuf[:], uint64(footerOffset))
	buf.Write(offsetBuf[:])

	return buf.Bytes(), stats, nil
}

// Read decodes a columnar container back into per-row maps, the inverse of
// Write. Used by the optimizer when rewriting small files into one larger
// file.
func Read(data []byte) ([]map[string]interface{}, error) {
	if len(data) < len(magic)+8 {
		return nil, fmt.Errorf("filefmt: truncated file")
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("filefmt: bad magic")
	}
	footerOffset := int64(binary.BigEndian.Uint64(data[len(data)-8:]))
	var t toc
	if err := json.Unmarshal(data[footerOffset:len(data)-8], &t); err != nil {
		return nil, fmt.Errorf("filefmt: decode footer: %w", err)
	}

	rows := make([]map[string]interface{}, t.RowCount)
	for i := range rows {
		rows[i] = make(map[string]interface{}, len(t.Columns))
	}

	for _, col := range t.Columns {
		compressed := data[col.Offset : col.Offset+col.Length]
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("filefmt: decompress column %q: %w", col.Name, err)
		}
		var values []interface{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("filefmt: decode column %q: %w", col.Name, err)
		}
		for i, v := range values {
			if i < len(rows) {
				rows[i][col.Name] = v
			}
		}
	}
	return rows, nil
}
