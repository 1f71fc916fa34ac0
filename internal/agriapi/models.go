package agriapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrNoGeometry marks a farmer that has not been geo-tagged yet.
	ErrNoGeometry = errors.New("farmer has no geometry")
	// ErrMalformedGeometry marks a geometry field that is not valid GeoJSON.
	ErrMalformedGeometry = errors.New("malformed farmer geometry")
)

// CropRegistration is one crop a farmer has registered.
type CropRegistration struct {
	CropName  string     `json:"crop_name"`
	Variety   string     `json:"variety,omitempty"`
	Season    string     `json:"season,omitempty"`
	Year      FlexString `json:"year,omitempty"`
	AreaAcres FlexFloat  `json:"area_acres"`
	SowingAt  string     `json:"sowing_date,omitempty"`
}

// FarmerRecord is a farmer with the location fields the map needs.
// Geometry holds GeoJSON: a Feature, a FeatureCollection or a bare geometry.
type FarmerRecord struct {
	ID          FlexString         `json:"farmer_id"`
	Name        string             `json:"farmer_name"`
	Mobile      string             `json:"mobile_number,omitempty"`
	VillageCode FlexString         `json:"village_code"`
	VillageName string             `json:"village_name,omitempty"`
	Taluka      string             `json:"taluka,omitempty"`
	District    string             `json:"district,omitempty"`
	Geometry    json.RawMessage    `json:"geometry"`
	Crops       []CropRegistration `json:"crops,omitempty"`
}

// Feature parses the record's geometry into a feature carrying the
// farmer's identity in its properties.
func (r FarmerRecord) Feature() (*geojson.Feature, error) {
	raw := bytes.TrimSpace(r.Geometry)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrNoGeometry
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}

	var f *geojson.Feature
	switch head.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedGeometry)
	case "Feature":
		parsed, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
		}
		f = parsed
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
		}
		f = mergeFeatures(fc.Features)
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
		}
		f = geojson.NewFeature(g.Geometry())
	}
	if f == nil || f.Geometry == nil {
		return nil, ErrNoGeometry
	}

	if f.Properties == nil {
		f.Properties = geojson.Properties{}
	}
	f.ID = r.ID.String()
	f.Properties["farmer_id"] = r.ID.String()
	f.Properties["farmer_name"] = r.Name
	f.Properties["village_code"] = r.VillageCode.String()
	if r.VillageName != "" {
		f.Properties["village_name"] = r.VillageName
	}
	return f, nil
}

// mergeFeatures folds a farmer's plots into one feature.
func mergeFeatures(features []*geojson.Feature) *geojson.Feature {
	var (
		geoms orb.Collection
		props = geojson.Properties{}
	)
	for _, f := range features {
		if f == nil || f.Geometry == nil {
			continue
		}
		geoms = append(geoms, f.Geometry)
		for k, v := range f.Properties {
			if _, ok := props[k]; !ok {
				props[k] = v
			}
		}
	}
	switch len(geoms) {
	case 0:
		return nil
	case 1:
		f := geojson.NewFeature(geoms[0])
		f.Properties = props
		return f
	}
	f := geojson.NewFeature(geoms)
	f.Properties = props
	return f
}

// StationMetadata describes a weather station.
type StationMetadata struct {
	ID          FlexString `json:"station_id"`
	Name        string     `json:"station_name"`
	Latitude    FlexFloat  `json:"latitude"`
	Longitude   FlexFloat  `json:"longitude"`
	Elevation   FlexFloat  `json:"elevation"`
	VillageCode FlexString `json:"village_code"`
	VillageName string     `json:"village_name,omitempty"`
}

// Point returns the station location. ok is false when either coordinate
// did not parse as a number or is out of range.
func (s StationMetadata) Point() (orb.Point, bool) {
	if !s.Latitude.Valid || !s.Longitude.Valid {
		return orb.Point{}, false
	}
	lat, lng := s.Latitude.Value, s.Longitude.Value
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return orb.Point{}, false
	}
	return orb.Point{lng, lat}, true
}

// WeatherReading is one Davis station observation.
type WeatherReading struct {
	Timestamp   string     `json:"timestamp"`
	VillageCode FlexString `json:"village_code"`
	TempC       FlexFloat  `json:"temp_c"`
	Temp        FlexFloat  `json:"temp"`
	Humidity    FlexFloat  `json:"hum"`
	Rainfall    FlexFloat  `json:"rainfall_mm"`
	WindSpeed   FlexFloat  `json:"wind_speed"`
}

// Temperature returns temp_c, falling back to temp.
func (r WeatherReading) Temperature() (float64, bool) {
	if r.TempC.Valid {
		return r.TempC.Value, true
	}
	if r.Temp.Valid {
		return r.Temp.Value, true
	}
	return 0, false
}

// LatestTemperature returns the temperature of the last reading.
func LatestTemperature(readings []WeatherReading) (float64, bool) {
	if len(readings) == 0 {
		return 0, false
	}
	return readings[len(readings)-1].Temperature()
}
