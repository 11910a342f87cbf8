// Package shapeload reads road-network shapefiles into link segments and
// measures stored link geometry. Geometry is kept as EWKB in a projected
// (meter-based) coordinate system so planar length is chainage length.
package shapeload

import (
	"math"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/openroads/roadsurvey/internal/model"
)

// DefaultSRID is assumed when the source does not declare one. UTM zone 51S
// covers the reference network; any projected meter-based SRID works.
const DefaultSRID = 32751

// Options configures ReadLinks.
type Options struct {
	// DBF field names for the identifying columns.
	RoadCodeField string
	LinkCodeField string
	NameField     string
	SRID          int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.RoadCodeField == "" {
		opts.RoadCodeField = "road_code"
	}
	if opts.LinkCodeField == "" {
		opts.LinkCodeField = "link_code"
	}
	if opts.NameField == "" {
		opts.NameField = "name"
	}
	if opts.SRID == 0 {
		opts.SRID = DefaultSRID
	}
	return opts
}

// ReadLinks reads every polyline record of a shapefile into a LinkSegment
// with EWKB geometry. Records without geometry or without a road code are
// skipped and counted, not fatal.
func ReadLinks(path string, o Options) ([]model.LinkSegment, error) {
	opts := o.withDefaults()

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapeload: open %s", path)
	}
	defer func() { _ = reader.Close() }()

	fieldIdx := make(map[string]int)
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	attr := func(field string) string {
		idx, ok := fieldIdx[strings.ToLower(field)]
		if !ok {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	var (
		links   []model.LinkSegment
		skipped int
	)
	for reader.Next() {
		_, shape := reader.Shape()

		pl, ok := shape.(*shp.PolyLine)
		if !ok || pl == nil {
			skipped++
			continue
		}
		data, err := EncodePolyLine(pl, opts.SRID)
		if err != nil || data == nil {
			skipped++
			continue
		}

		roadCode := strings.ToUpper(attr(opts.RoadCodeField))
		if roadCode == "" {
			skipped++
			continue
		}

		links = append(links, model.LinkSegment{
			RoadCode: roadCode,
			LinkCode: strings.ToUpper(attr(opts.LinkCodeField)),
			Name:     attr(opts.NameField),
			Geometry: data,
		})
	}

	if skipped > 0 {
		zap.L().Warn("shapeload: skipped records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return links, nil
}

// EncodePolyLine converts a shapefile polyline to EWKB MultiLineString bytes.
// Returns nil, nil when every part is degenerate.
func EncodePolyLine(pl *shp.PolyLine, srid int) ([]byte, error) {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil, nil
	}

	mls := geom.NewMultiLineString(geom.XY).SetSRID(srid)
	for i := int32(0); i < pl.NumParts; i++ {
		start := pl.Parts[i]
		end := int32(len(pl.Points))
		if i+1 < pl.NumParts {
			end = pl.Parts[i+1]
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, pl.Points[j].X, pl.Points[j].Y)
		}
		if len(flat) < 4 {
			continue
		}
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
			continue
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil, nil
	}

	data, err := ewkb.Marshal(mls, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "shapeload: encode EWKB")
	}
	return data, nil
}

// GeometryLength returns the planar length in coordinate units of an EWKB
// geometry. Zero-length and nil geometry measure as 0.
func GeometryLength(data []byte) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, eris.Wrap(err, "shapeload: decode EWKB")
	}
	return planarLength(g), nil
}

func planarLength(g geom.T) float64 {
	switch t := g.(type) {
	case *geom.LineString:
		return lineLength(t.FlatCoords(), t.Stride())
	case *geom.MultiLineString:
		var total float64
		for i := 0; i < t.NumLineStrings(); i++ {
			ls := t.LineString(i)
			total += lineLength(ls.FlatCoords(), ls.Stride())
		}
		return total
	default:
		return 0
	}
}

func lineLength(flat []float64, stride int) float64 {
	var total float64
	for i := stride; i+1 < len(flat); i += stride {
		dx := flat[i] - flat[i-stride]
		dy := flat[i+1] - flat[i-stride+1]
		total += math.Hypot(dx, dy)
	}
	return total
}
