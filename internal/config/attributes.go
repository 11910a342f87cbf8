package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/openroads/roadsurvey/internal/model"
)

// ErrUnmappedValue is returned when a source dialect produces a code that is
// not present in its value map. Unmapped codes are a detectable error, never a
// silent pass-through.
var ErrUnmappedValue = eris.New("config: unmapped attribute value")

// Attribute describes one reportable attribute the pipeline understands.
type Attribute struct {
	Name string `yaml:"name"`
	// Continuous attributes are binned into fixed-size buckets in summary
	// reports; categorical attributes are counted per distinct value.
	Continuous bool `yaml:"continuous"`
	// BucketWidth is the bin width for continuous attributes. Zero means the
	// registry default of 1000.
	BucketWidth float64 `yaml:"bucket_width"`
}

// Registry is the closed set of reportable attributes plus per-dialect value
// mappings and the link errata exclusion set.
type Registry struct {
	Attributes []Attribute `yaml:"attributes"`
	// ValueMaps maps a source dialect (e.g. a shapefile origin) to a total
	// mapping from raw codes to canonical attribute values.
	ValueMaps map[string]map[string]string `yaml:"value_maps"`
}

// DefaultBucketWidth applies when a continuous attribute declares none.
const DefaultBucketWidth = 1000.0

// DefaultRegistry returns the compiled-in attribute registry.
func DefaultRegistry() *Registry {
	return &Registry{
		Attributes: []Attribute{
			{Name: model.AttrAssetClass},
			{Name: model.AttrAssetCondition},
			{Name: model.AttrSurfaceType},
			{Name: model.AttrSurfaceCondition},
			{Name: model.AttrPavementClass},
			{Name: model.AttrTerrainClass},
			{Name: model.AttrTrafficLevel},
			{Name: model.AttrCarriagewayWidth, Continuous: true, BucketWidth: 10},
			{Name: model.AttrTotalWidth, Continuous: true, BucketWidth: 10},
			{Name: model.AttrNumberLanes, Continuous: true, BucketWidth: 1},
			{Name: model.AttrRainfall, Continuous: true, BucketWidth: 5000},
		},
		ValueMaps: map[string]map[string]string{},
	}
}

// LoadRegistry reads an attribute registry from a YAML file. An empty path
// returns the compiled-in defaults.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read attributes file %s", path)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrapf(err, "config: parse attributes file %s", path)
	}
	if len(reg.Attributes) == 0 {
		return nil, eris.Errorf("config: attributes file %s declares no attributes", path)
	}
	return &reg, nil
}

// Lookup returns the attribute declaration for name.
func (r *Registry) Lookup(name string) (Attribute, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Names returns every reportable attribute name in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.Attributes))
	for i, a := range r.Attributes {
		names[i] = a.Name
	}
	return names
}

// BucketWidthOrDefault returns the bin width for a continuous attribute,
// falling back to the registry default.
func (a Attribute) BucketWidthOrDefault() float64 {
	if a.BucketWidth > 0 {
		return a.BucketWidth
	}
	return DefaultBucketWidth
}

// MapValue translates a raw source code through the dialect's value map. A
// dialect with no registered map passes values through unchanged; a registered
// dialect must map every code it emits.
func (r *Registry) MapValue(dialect, raw string) (string, error) {
	vm, ok := r.ValueMaps[dialect]
	if !ok {
		return raw, nil
	}
	mapped, ok := vm[raw]
	if !ok {
		return "", eris.Wrapf(ErrUnmappedValue, "dialect %s code %q", dialect, raw)
	}
	return mapped, nil
}

// Errata is the set of road/link code pairs excluded from segment matching
// because the links are known duplicates or digitization errors.
type Errata struct {
	pairs map[string]struct{}
}

// NewErrata builds an errata set from "ROADCODE|LINKCODE" pairs.
func NewErrata(pairs []string) *Errata {
	e := &Errata{pairs: make(map[string]struct{}, len(pairs))}
	for _, p := range pairs {
		key := strings.ToUpper(strings.TrimSpace(p))
		if key == "" {
			continue
		}
		e.pairs[key] = struct{}{}
	}
	return e
}

// Excluded reports whether the road/link pair is on the errata list.
func (e *Errata) Excluded(roadCode, linkCode string) bool {
	if e == nil || len(e.pairs) == 0 {
		return false
	}
	key := strings.ToUpper(roadCode) + "|" + strings.ToUpper(linkCode)
	_, ok := e.pairs[key]
	return ok
}
