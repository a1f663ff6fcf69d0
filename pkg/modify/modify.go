// Package modify holds the per-feature mutation hook applied as the last
// step of transforming a row into a feature.
package modify

import (
	"github.com/ajitpratap0/clearmap/pkg/config"
	"github.com/ajitpratap0/clearmap/pkg/models"
)

// Modifier mutates a feature before it is written to the tile builder.
// Returning nil drops the feature.
type Modifier interface {
	Modify(f *models.Feature) *models.Feature
}

// ModifierFunc adapts a function to Modifier.
type ModifierFunc func(f *models.Feature) *models.Feature

// Modify calls fn(f).
func (fn ModifierFunc) Modify(f *models.Feature) *models.Feature { return fn(f) }

// Identity returns every feature unchanged.
var Identity Modifier = ModifierFunc(func(f *models.Feature) *models.Feature { return f })

// Chain applies modifiers in order, stopping at the first that drops the
// feature.
func Chain(mods ...Modifier) Modifier {
	return ModifierFunc(func(f *models.Feature) *models.Feature {
		for _, m := range mods {
			if f = m.Modify(f); f == nil {
				return nil
			}
		}
		return f
	})
}

// Rules is the configuration driven modifier.
type Rules struct {
	drop   []string
	layers map[string]string
	zoom   map[string]config.ZoomRange
}

// NewRules builds a Rules modifier from cfg. An empty configuration yields
// Identity.
func NewRules(cfg config.ModifyConfig) Modifier {
	if len(cfg.DropProperties) == 0 && len(cfg.Layers) == 0 && len(cfg.Zoom) == 0 {
		return Identity
	}
	return &Rules{drop: cfg.DropProperties, layers: cfg.Layers, zoom: cfg.Zoom}
}

// Modify removes dropped properties and sets the layer and zoom hints of
// the feature's source table.
func (r *Rules) Modify(f *models.Feature) *models.Feature {
	for _, p := range r.drop {
		delete(f.Properties, p)
	}

	table, _ := f.Properties[models.PropertyTable].(string)

	if layer, ok := r.layers[table]; ok {
		r.hints(f).Layer = layer
	}
	if z, ok := r.zoom[table]; ok {
		h := r.hints(f)
		h.MinZoom = z.Min
		h.MaxZoom = z.Max
	}
	return f
}

func (r *Rules) hints(f *models.Feature) *models.TippecanoeHints {
	if f.Tippecanoe == nil {
		f.Tippecanoe = &models.TippecanoeHints{}
	}
	return f.Tippecanoe
}
