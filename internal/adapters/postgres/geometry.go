package postgres

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// zoneJSON encodes a polygon for ST_GeomFromGeoJSON.
func zoneJSON(zone orb.Polygon) (string, error) {
	b, err := geojson.NewGeometry(zone).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// parseZone decodes ST_AsGeoJSON output. Multipolygons keep their largest
// member.
func parseZone(raw []byte) (orb.Polygon, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode zone: %w", err)
	}
	switch v := g.Geometry().(type) {
	case orb.Polygon:
		return v, nil
	case orb.MultiPolygon:
		var best orb.Polygon
		var bestLen int
		for _, p := range v {
			if len(p) > 0 && len(p[0]) > bestLen {
				best, bestLen = p, len(p[0])
			}
		}
		if best == nil {
			return nil, fmt.Errorf("decode zone: empty multipolygon")
		}
		return best, nil
	default:
		return nil, fmt.Errorf("decode zone: unsupported geometry %s", g.Geometry().GeoJSONType())
	}
}

// lineJSON encodes a route geometry for a JSONB column; empty lines are NULL.
func lineJSON(ls orb.LineString) ([]byte, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	return geojson.NewGeometry(ls).MarshalJSON()
}

func parseLine(raw []byte) (orb.LineString, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("decode route: unsupported geometry %s", g.Geometry().GeoJSONType())
	}
	return ls, nil
}
