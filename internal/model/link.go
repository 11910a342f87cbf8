package model

import (
	"fmt"
	"strconv"
	"time"
)

// Reportable attribute names understood by the aggregation and report pipeline.
// The set is closed: anything else in a survey's value map is carried but ignored.
const (
	AttrAssetClass       = "asset_class"
	AttrAssetCondition   = "asset_condition"
	AttrSurfaceType      = "surface_type"
	AttrSurfaceCondition = "surface_condition"
	AttrPavementClass    = "pavement_class"
	AttrCarriagewayWidth = "carriageway_width"
	AttrTotalWidth       = "total_width"
	AttrNumberLanes      = "number_lanes"
	AttrTerrainClass     = "terrain_class"
	AttrTrafficLevel     = "traffic_level"
	AttrRainfall         = "rainfall"
)

// LinkSegment is one maintained physical unit of a road, identified by road
// code and link code. The geom_* chainage fields are authoritative (derived
// from geometry); the link_* fields are user-editable and advisory. Within one
// road code segments are contiguous and non-overlapping by geom_start_chainage.
type LinkSegment struct {
	ID       int64  `json:"id"`
	RoadCode string `json:"road_code"`
	LinkCode string `json:"link_code"`
	Name     string `json:"name,omitempty"`

	GeomStartChainage *float64 `json:"geom_start_chainage"`
	GeomEndChainage   *float64 `json:"geom_end_chainage"`
	GeomLength        *float64 `json:"geom_length"`

	LinkStartChainage *float64 `json:"link_start_chainage"`
	LinkEndChainage   *float64 `json:"link_end_chainage"`
	LinkLength        *float64 `json:"link_length"`

	// Geometry is the segment's line geometry as EWKB. Maintained by the
	// geometry-import collaborator; the engine only measures it.
	Geometry []byte `json:"-"`

	AssetClass       string   `json:"asset_class,omitempty"`
	AssetCondition   string   `json:"asset_condition,omitempty"`
	SurfaceType      string   `json:"surface_type,omitempty"`
	SurfaceCondition string   `json:"surface_condition,omitempty"`
	PavementClass    string   `json:"pavement_class,omitempty"`
	TerrainClass     string   `json:"terrain_class,omitempty"`
	TrafficLevel     string   `json:"traffic_level,omitempty"`
	CarriagewayWidth *float64 `json:"carriageway_width,omitempty"`
	TotalWidth       *float64 `json:"total_width,omitempty"`
	NumberLanes      *int     `json:"number_lanes,omitempty"`
	Rainfall         *int     `json:"rainfall,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssetID returns the asset reference surveys use to point at this segment.
func (l *LinkSegment) AssetID() string {
	return fmt.Sprintf("LINK-%d", l.ID)
}

// Contains reports whether chainage c falls inside the segment's authoritative
// half-open range [geom_start, geom_end). Segments without computed geometry
// chainage contain nothing.
func (l *LinkSegment) Contains(c float64) bool {
	if l.GeomStartChainage == nil || l.GeomEndChainage == nil {
		return false
	}
	return c >= *l.GeomStartChainage && c < *l.GeomEndChainage
}

// ReportableValues snapshots the segment's current reportable attributes as a
// survey value map. Unset attributes are omitted entirely, so an empty map
// means there is nothing worth synthesizing a programmatic survey from.
func (l *LinkSegment) ReportableValues() map[string]*string {
	vals := make(map[string]*string)
	putStr := func(key, v string) {
		if v != "" {
			vals[key] = Str(v)
		}
	}
	putStr(AttrAssetClass, l.AssetClass)
	putStr(AttrAssetCondition, l.AssetCondition)
	putStr(AttrSurfaceType, l.SurfaceType)
	putStr(AttrSurfaceCondition, l.SurfaceCondition)
	putStr(AttrPavementClass, l.PavementClass)
	putStr(AttrTerrainClass, l.TerrainClass)
	putStr(AttrTrafficLevel, l.TrafficLevel)
	if l.CarriagewayWidth != nil {
		vals[AttrCarriagewayWidth] = Str(strconv.FormatFloat(*l.CarriagewayWidth, 'f', -1, 64))
	}
	if l.TotalWidth != nil {
		vals[AttrTotalWidth] = Str(strconv.FormatFloat(*l.TotalWidth, 'f', -1, 64))
	}
	if l.NumberLanes != nil {
		vals[AttrNumberLanes] = Str(strconv.Itoa(*l.NumberLanes))
	}
	if l.Rainfall != nil {
		vals[AttrRainfall] = Str(strconv.Itoa(*l.Rainfall))
	}
	return vals
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Str returns a pointer to v.
func Str(v string) *string { return &v }
