// Package preprocess cleans up page images before recognition. Operations
// run in a fixed order: rotate, binarize, denoise, deskew.
package preprocess

import (
	"encoding/json"
	"fmt"
)

// Options selects the preprocessing operations for a job.
type Options struct {
	Rotate    int  `json:"rotate,omitempty"` // degrees clockwise
	Binarize  bool `json:"binarize"`
	Threshold int  `json:"threshold"` // 0-255, used when Binarize is set
	Denoise   bool `json:"denoise,omitempty"`
	Deskew    bool `json:"deskew,omitempty"`
}

// DefaultOptions returns the options used for any field a request leaves out.
func DefaultOptions() Options {
	return Options{Binarize: true, Threshold: 128}
}

// Parse decodes a JSON options object over the defaults. Empty input means
// no preprocessing was requested and yields nil.
func Parse(raw []byte) (*Options, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	opts := DefaultOptions()
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("decode preprocess options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Threshold < 0 || o.Threshold > 255 {
		return fmt.Errorf("threshold must be between 0 and 255, got %d", o.Threshold)
	}
	if o.Rotate <= -360 || o.Rotate >= 360 {
		return fmt.Errorf("rotate must be within (-360, 360), got %d", o.Rotate)
	}
	return nil
}

// Encode returns the JSON form stored on a job, or "" for nil options.
func Encode(o *Options) string {
	if o == nil {
		return ""
	}
	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(data)
}

// Active reports whether any operation would change the image.
func (o Options) Active() bool {
	return o.Rotate%360 != 0 || o.Binarize || o.Denoise || o.Deskew
}
