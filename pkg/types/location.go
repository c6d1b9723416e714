package types

import "database/sql/driver"

// Location pairs an address with coordinates.
type Location struct {
	Address Address `json:"address" validate:"required"`
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
}

func (l Location) Value() (driver.Value, error) {
	return jsonValue(l)
}

func (l *Location) Scan(value any) error {
	return jsonScan(value, l, "location")
}

// Point is a bare coordinate used by tracking entries.
type Point struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}
