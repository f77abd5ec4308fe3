package base

import (
	"strings"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Catalog is a provider's static model table. Adapters embed it to answer
// ListModels, Capabilities and Price lookups.
type Catalog struct {
	Tag    string
	Models []types.ModelDescriptor
}

// List returns copies of the catalog's descriptors.
func (c *Catalog) List() []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, len(c.Models))
	copy(out, c.Models)
	return out
}

// Find resolves a bare model name or canonical id to its descriptor.
func (c *Catalog) Find(model string) (types.ModelDescriptor, bool) {
	name := model
	if i := strings.Index(model, ":"); i >= 0 {
		name = model[i+1:]
	}
	for _, d := range c.Models {
		if d.ID == model || d.ModelName() == name {
			return d, true
		}
	}
	return types.ModelDescriptor{}, false
}

// Caps returns the capability set for a model, or nil if unknown.
func (c *Catalog) Caps(model string) []types.Capability {
	d, ok := c.Find(model)
	if !ok {
		return nil
	}
	caps := make([]types.Capability, len(d.Capabilities))
	copy(caps, d.Capabilities)
	return caps
}

// Desc builds a descriptor for catalog construction.
func Desc(tag, name string, caps []types.Capability, window int, inPrice, outPrice float64, quality, speed float64) types.ModelDescriptor {
	return types.ModelDescriptor{
		ID:                    tag + ":" + name,
		ProviderTag:           tag,
		Capabilities:          caps,
		ContextWindow:         window,
		InputPricePerMillion:  inPrice,
		OutputPricePerMillion: outPrice,
		QualityScore:          quality,
		SpeedScore:            speed,
	}
}
