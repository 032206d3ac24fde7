package types

import "errors"

// Box is a face bounding box in pixel coordinates: [top, right, bottom, left]
type Box [4]int

func (b Box) Top() int    { return b[0] }
func (b Box) Right() int  { return b[1] }
func (b Box) Bottom() int { return b[2] }
func (b Box) Left() int   { return b[3] }

// Scale multiplies every coordinate by factor. Used to map boxes found on a
// downscaled frame back onto the full-resolution frame.
func (b Box) Scale(factor int) Box {
	if factor <= 1 {
		return b
	}
	return Box{b[0] * factor, b[1] * factor, b[2] * factor, b[3] * factor}
}

// Encoding is the embedding produced for one box. Err is set when the
// capability failed on this face; Vec is then nil and the face must be skipped.
type Encoding struct {
	Vec []float64
	Err error
}

// OK reports whether the face was encoded.
func (e Encoding) OK() bool {
	return e.Err == nil && len(e.Vec) > 0
}

// ErrFaceSkipped marks a face the capability could not encode.
var ErrFaceSkipped = errors.New("face could not be encoded")

// ErrCapabilityLost marks a failure after which the capability cannot serve
// any further request, as opposed to a failure on one frame.
var ErrCapabilityLost = errors.New("face capability lost")

// ErrorResult is the JSON body of a failed API request
type ErrorResult struct {
	Error string `json:"error"`
}
