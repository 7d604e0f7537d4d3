// Package fingerprint computes stable content fingerprints for layers.
//
// A fingerprint is a SHA-256 digest over a canonical serialization of
// layer content: schema fields in declared order, features sorted by
// stable id with attribute values in schema order, exact geometry
// text, CRS, and the style document. Two layers with equal content
// always produce the same fingerprint regardless of feature iteration
// order. This is change detection, not a security boundary.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/goccy/go-json"

	"github.com/maphub/layersync/layer"
)

// Fingerprint returns the hex-encoded canonical digest of content.
func Fingerprint(c *layer.Content) string {
	h := sha256.New()

	writeField(h, "crs", c.CRS)
	writeField(h, "geom_type", string(c.GeomType))

	for _, f := range c.Schema {
		writeField(h, "field", f.Name+":"+string(f.Type))
	}

	// Sort a copy of the features by id so iteration order never leaks
	// into the digest.
	order := make([]int, len(c.Features))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return c.Features[order[a]].ID < c.Features[order[b]].ID
	})

	for _, idx := range order {
		f := &c.Features[idx]
		writeField(h, "feature", f.ID)
		writeField(h, "geometry", f.Geometry)
		for _, field := range c.Schema {
			v, ok := f.Attributes[field.Name]
			if !ok {
				writeField(h, field.Name, "\x00absent")
				continue
			}
			writeField(h, field.Name, canonicalValue(v))
		}
	}

	if len(c.Style) > 0 {
		writeField(h, "style", string(c.Style))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefix-free but collision-safe key/value
// record: key and value are separated and terminated by a byte that
// cannot appear in either once escaped.
func writeField(h hash.Hash, key, value string) {
	h.Write([]byte(key))
	h.Write([]byte{0x1f})
	h.Write([]byte(value))
	h.Write([]byte{0x1e})
}

// canonicalValue renders an attribute value deterministically. JSON
// encoding normalizes numeric types that differ only by Go
// representation (int vs float64 after a decode round trip).
func canonicalValue(v interface{}) string {
	if v == nil {
		return "\x00null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable attribute values cannot round trip through the
		// wire format either; fall back to their Go string form.
		return "\x00opaque"
	}
	return string(data)
}
