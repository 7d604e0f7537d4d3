package layer

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Encode serializes content into the JSON wire form exchanged with the
// MapHub service.
func Encode(c *Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot encode nil content")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode layer content: %w", err)
	}
	return data, nil
}

// Decode parses the JSON wire form back into Content. Unknown fields
// are ignored so newer servers stay readable.
func Decode(data []byte) (*Content, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot decode empty content")
	}
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode layer content: %w", err)
	}
	return &c, nil
}
