// Package vision defines the contract with the face-landmark detector that
// feeds the proctoring pipeline.
//
// A detector receives one camera frame at a time and returns, for every face
// it finds, the dense landmark mesh in normalised image coordinates. Landmark
// indices follow the 468-point MediaPipe FaceMesh topology.
package vision

import (
	"context"
	"time"
)

// FaceMesh landmark indices consumed by the proctoring rules.
const (
	NoseTip    = 1
	LeftCheek  = 234
	RightCheek = 454
	UpperLip   = 13
	LowerLip   = 14
	Forehead   = 10
	Chin       = 152
)

// Landmark is one mesh point. X and Y are normalised to [0, 1] relative to
// the frame width and height; Z is relative depth.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Face is the landmark mesh of one detected face.
type Face []Landmark

// At returns the landmark at index i and whether it exists.
func (f Face) At(i int) (Landmark, bool) {
	if i < 0 || i >= len(f) {
		return Landmark{}, false
	}
	return f[i], true
}

// Result is the outcome of one detection.
type Result struct {
	Faces []Face `json:"faces"`
}

// Frame is one JPEG-compressed camera frame.
type Frame struct {
	JPEG       []byte
	CapturedAt time.Time
}

// Detector finds faces and their landmarks in a frame. Implementations must
// be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (Result, error)
}
