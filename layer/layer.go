// Package layer defines the local-side data model of the sync engine:
// layer metadata, schemas, features, and full layer content as read
// from and written to the host GIS application.
//
// The engine never touches the host's own layer objects. It only sees
// this model, produced and consumed through the Host capability
// interface.
package layer

// GeometryType identifies the geometry class of a vector layer, or
// Raster for raster layers.
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryLineString      GeometryType = "LineString"
	GeometryPolygon         GeometryType = "Polygon"
	GeometryMultiPoint      GeometryType = "MultiPoint"
	GeometryMultiLineString GeometryType = "MultiLineString"
	GeometryMultiPolygon    GeometryType = "MultiPolygon"
	GeometryRaster          GeometryType = "Raster"
)

// FieldType identifies the storage type of an attribute field.
type FieldType string

const (
	FieldInteger FieldType = "Integer"
	FieldReal    FieldType = "Real"
	FieldText    FieldType = "Text"
	FieldDate    FieldType = "Date"
	FieldBool    FieldType = "Bool"
	FieldBinary  FieldType = "Binary"
)

// Field is one named, typed attribute column.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the ordered set of fields of a layer. Order is significant:
// it is part of the layer's identity for fingerprinting.
type Schema []Field

// Equal reports whether two schemas have identical fields in identical
// order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// FieldNames returns the field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Feature is one vector feature: a stable id, geometry in WKT form,
// and attribute values keyed by field name.
type Feature struct {
	ID         string                 `json:"id"`
	Geometry   string                 `json:"geometry"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Info is the layer metadata the host exposes during enumeration.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	GeometryType GeometryType `json:"geometry_type"`
	CRS          string       `json:"crs"`
}

// Content is the full synchronizable state of a layer: schema,
// features, CRS, and the optional style document the host renders the
// layer with. Style is carried as an opaque JSON blob so style-only
// edits are detected without the engine understanding styling.
type Content struct {
	CRS      string       `json:"crs"`
	GeomType GeometryType `json:"geometry_type"`
	Schema   Schema       `json:"schema"`
	Features []Feature    `json:"features"`
	Style    []byte       `json:"style,omitempty"`
}

// FeatureByID returns the feature with the given id, or nil.
func (c *Content) FeatureByID(id string) *Feature {
	for i := range c.Features {
		if c.Features[i].ID == id {
			return &c.Features[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the content.
func (c *Content) Clone() *Content {
	out := &Content{
		CRS:      c.CRS,
		GeomType: c.GeomType,
		Schema:   append(Schema(nil), c.Schema...),
		Features: make([]Feature, len(c.Features)),
	}
	if c.Style != nil {
		out.Style = append([]byte(nil), c.Style...)
	}
	for i, f := range c.Features {
		nf := Feature{ID: f.ID, Geometry: f.Geometry}
		if f.Attributes != nil {
			nf.Attributes = make(map[string]interface{}, len(f.Attributes))
			for k, v := range f.Attributes {
				nf.Attributes[k] = v
			}
		}
		out.Features[i] = nf
	}
	return out
}
