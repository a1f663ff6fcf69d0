package models

import (
	"bytes"
	"errors"

	cmjson "github.com/ajitpratap0/clearmap/pkg/json"
)

// FeatureType is the GeoJSON type of every feature.
const FeatureType = "Feature"

// Provenance properties injected into every feature.
const (
	PropertyDatabase = "_database"
	PropertySchema   = "_schema"
	PropertyTable    = "_table"
)

// Feature is a GeoJSON feature as streamed to the tile builder.
type Feature struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   cmjson.RawMessage      `json:"geometry"`

	// Tippecanoe carries per-feature hints understood by the tile builder.
	Tippecanoe *TippecanoeHints `json:"tippecanoe,omitempty"`
}

// TippecanoeHints is the "tippecanoe" member of a feature.
type TippecanoeHints struct {
	Layer   string `json:"layer,omitempty"`
	MinZoom *int   `json:"minzoom,omitempty"`
	MaxZoom *int   `json:"maxzoom,omitempty"`
}

// ParseGeometry validates a GeoJSON geometry object and returns it compacted
// onto a single line. Members other than type and coordinates (crs, bbox,
// foreign members) are kept as they are. Empty input and null decode to nil.
func ParseGeometry(data []byte) (cmjson.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] != '{' || !cmjson.Valid(data) {
		return nil, errors.New("geometry is not a JSON object")
	}
	return cmjson.Compact(data)
}
