// Package models provides the data models shared by the extraction pipeline:
// relations, rows and batches read from PostGIS, GeoJSON features written to
// the tile builder, and the tile jobs scheduled by the retry queue.
package models

// Row is one record returned by an extraction cursor, keyed by result column
// name. Values are normalized to JSON-friendly Go types.
type Row map[string]interface{}

// Batch is the ordered set of rows returned by a single cursor read. An empty
// batch marks the end of a relation's extraction.
type Batch []Row

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return len(b)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
