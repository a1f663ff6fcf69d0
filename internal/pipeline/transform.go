package pipeline

import (
	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/modify"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
)

// FeatureTransformer maps extracted rows to features.
type FeatureTransformer struct {
	modifier modify.Modifier
}

// NewFeatureTransformer creates a transformer applying m as its final step.
// A nil m leaves features unchanged.
func NewFeatureTransformer(m modify.Modifier) *FeatureTransformer {
	if m == nil {
		m = modify.Identity
	}
	return &FeatureTransformer{modifier: m}
}

// Transform turns row into a feature of rel. The GeoJSON column is parsed
// into the geometry and removed from the properties, and the provenance
// properties are set. It returns nil when the modifier drops the feature.
// row is consumed.
func (t *FeatureTransformer) Transform(rel models.Relation, row models.Row) (*models.Feature, error) {
	var raw []byte
	switch v := row[postgis.GeoJSONColumn].(type) {
	case nil:
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, clearmaperrors.Newf(clearmaperrors.ErrorTypeData, "geometry column has unexpected type %T", v).
			WithDetail("relation", rel.String())
	}
	delete(row, postgis.GeoJSONColumn)

	geom, err := models.ParseGeometry(raw)
	if err != nil {
		return nil, clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeData, "failed to parse geometry").
			WithDetail("relation", rel.String())
	}

	row[models.PropertyDatabase] = rel.Database
	row[models.PropertySchema] = rel.Schema
	row[models.PropertyTable] = rel.Table

	f := &models.Feature{
		Type:       models.FeatureType,
		Properties: row,
		Geometry:   geom,
	}
	return t.modifier.Modify(f), nil
}
