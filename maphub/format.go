package maphub

import (
	"github.com/gabriel-vasile/mimetype"
)

// Content formats MapHub serves. The sync engine itself only moves the
// JSON wire form, but downloads of maps uploaded by other tooling can
// arrive as GeoPackage or GeoTIFF; callers use the detected format to
// decide whether a payload is directly loadable.
const (
	FormatGeoJSON    = "geojson"
	FormatGeoPackage = "geopackage"
	FormatGeoTIFF    = "geotiff"
	FormatUnknown    = "unknown"
)

// DetectFormat sniffs the format of a downloaded content payload.
func DetectFormat(data []byte) string {
	mt := mimetype.Detect(data)

	switch {
	case mt.Is("application/geo+json"), mt.Is("application/json"):
		return FormatGeoJSON
	case mt.Is("application/vnd.sqlite3"), mt.Is("application/x-sqlite3"):
		return FormatGeoPackage
	case mt.Is("image/tiff"):
		return FormatGeoTIFF
	default:
		return FormatUnknown
	}
}
