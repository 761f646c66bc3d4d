package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	geojson "github.com/paulmach/go.geojson"
	"github.com/paulmach/orb"

	"gigamap/internal/tile"
)

// Transform maps a source coordinate into the caller's coordinate space.
type Transform func(orb.Point) orb.Point

// Feature is one parsed geometry with its properties.
type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Bound      orb.Bound
	Properties map[string]any
}

// ParseError locates a syntax or structure problem in a document. It is
// returned wrapped in a tile.Error of kind ParseError carrying the offset.
type ParseError struct {
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d column %d: %v", e.Line, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseGeoJSON parses a FeatureCollection, a Feature or a bare geometry.
// transform may be nil.
func ParseGeoJSON(ctx context.Context, doc []byte, transform Transform) ([]Feature, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return nil, parseError(doc, err)
	}

	var raw []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(doc)
		if err != nil {
			return nil, parseError(doc, err)
		}
		raw = fc.Features
	case "Feature":
		f, err := geojson.UnmarshalFeature(doc)
		if err != nil {
			return nil, parseError(doc, err)
		}
		raw = []*geojson.Feature{f}
	case "":
		return nil, parseError(doc, errors.New("missing type member"))
	default:
		g, err := geojson.UnmarshalGeometry(doc)
		if err != nil {
			return nil, parseError(doc, err)
		}
		raw = []*geojson.Feature{geojson.NewFeature(g)}
	}

	features := make([]Feature, 0, len(raw))
	for i, f := range raw {
		if err := ctx.Err(); err != nil {
			return nil, tile.Wrap(tile.Cancelled, tile.Key{}, err)
		}
		if f == nil || f.Geometry == nil {
			continue
		}
		g, err := convertGeometry(f.Geometry, transform)
		if err != nil {
			return nil, &tile.Error{Kind: tile.ParseError, Err: fmt.Errorf("feature %d: %w", i, err)}
		}
		id := fmt.Sprintf("feature-%d", i)
		if f.ID != nil {
			id = fmt.Sprint(f.ID)
		}
		features = append(features, Feature{
			ID:         id,
			Geometry:   g,
			Bound:      g.Bound(),
			Properties: f.Properties,
		})
	}
	return features, nil
}

func parseError(doc []byte, err error) error {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	}
	line, col := position(doc, offset)
	return &tile.Error{
		Kind:   tile.ParseError,
		Offset: offset,
		Err:    &ParseError{Line: line, Column: col, Err: err},
	}
}

func position(doc []byte, offset int64) (int, int) {
	if offset > int64(len(doc)) {
		offset = int64(len(doc))
	}
	before := doc[:offset]
	line := bytes.Count(before, []byte{'\n'}) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col
}

func convertGeometry(g *geojson.Geometry, transform Transform) (orb.Geometry, error) {
	pt := func(c []float64) (orb.Point, error) {
		if len(c) < 2 {
			return orb.Point{}, fmt.Errorf("position with %d coordinates", len(c))
		}
		p := orb.Point{c[0], c[1]}
		if transform != nil {
			p = transform(p)
		}
		return p, nil
	}
	line := func(cs [][]float64) ([]orb.Point, error) {
		out := make([]orb.Point, 0, len(cs))
		for _, c := range cs {
			p, err := pt(c)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}
	polygon := func(rings [][][]float64) (orb.Polygon, error) {
		out := make(orb.Polygon, 0, len(rings))
		for _, r := range rings {
			ps, err := line(r)
			if err != nil {
				return nil, err
			}
			out = append(out, orb.Ring(ps))
		}
		return out, nil
	}

	switch g.Type {
	case geojson.GeometryPoint:
		return pt(g.Point)
	case geojson.GeometryMultiPoint:
		ps, err := line(g.MultiPoint)
		return orb.MultiPoint(ps), err
	case geojson.GeometryLineString:
		ps, err := line(g.LineString)
		return orb.LineString(ps), err
	case geojson.GeometryMultiLineString:
		out := make(orb.MultiLineString, 0, len(g.MultiLineString))
		for _, l := range g.MultiLineString {
			ps, err := line(l)
			if err != nil {
				return nil, err
			}
			out = append(out, orb.LineString(ps))
		}
		return out, nil
	case geojson.GeometryPolygon:
		return polygon(g.Polygon)
	case geojson.GeometryMultiPolygon:
		out := make(orb.MultiPolygon, 0, len(g.MultiPolygon))
		for _, p := range g.MultiPolygon {
			poly, err := polygon(p)
			if err != nil {
				return nil, err
			}
			out = append(out, poly)
		}
		return out, nil
	case geojson.GeometryCollection:
		out := make(orb.Collection, 0, len(g.Geometries))
		for _, child := range g.Geometries {
			c, err := convertGeometry(child, transform)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}
