package dsm

import (
	"fmt"
	"log"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// FootprintFile is the ROI footprint's name inside a workspace
const FootprintFile = "footprint.geojson"

// Footprint localises the ROI corners of the reference image on the
// ground at height h and returns them as a closed lon/lat polygon
func Footprint(rpc *RPCModel, roi ROI, h float64) (orb.Polygon, error) {
	ring := make(orb.Ring, 0, 5)
	for _, c := range roi.Corners() {
		lon, lat, err := rpc.Localize(c.X, c.Y, h)
		if err != nil {
			return nil, fmt.Errorf("localizing roi corner (%.0f, %.0f): %w", c.X, c.Y, err)
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	ring = append(ring, ring[0])
	if ring.Orientation() == orb.CW {
		ring.Reverse()
	}
	return orb.Polygon{ring}, nil
}

// SaveFootprint writes the footprint as a one-feature GeoJSON collection
func SaveFootprint(path, experiment string, poly orb.Polygon, h float64) error {
	area := geo.Area(poly)
	f := geojson.NewFeature(poly)
	f.Properties["experiment"] = experiment
	f.Properties["height"] = h
	f.Properties["area_m2"] = area

	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding footprint: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ioError(path, err)
	}
	log.Printf("[%s] footprint %.0f m2", experiment, area)
	return nil
}

// LoadFootprint reads a footprint written by SaveFootprint
func LoadFootprint(path string) (orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError(path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(fc.Features) != 1 {
		return nil, fmt.Errorf("parsing %s: want 1 feature, got %d", path, len(fc.Features))
	}
	poly, ok := fc.Features[0].Geometry.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("parsing %s: footprint is a %s", path, fc.Features[0].Geometry.GeoJSONType())
	}
	return poly, nil
}
