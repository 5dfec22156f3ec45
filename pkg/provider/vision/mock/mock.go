// Package mock provides a scripted vision.Detector for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// Detector returns Result and Err on every call unless Fn is set, in which
// case Fn decides. All calls are recorded.
type Detector struct {
	mu sync.Mutex

	// Result is returned by Detect when Fn is nil.
	Result vision.Result

	// Err is returned by Detect when Fn is nil.
	Err error

	// Fn, if set, computes the response for each frame.
	Fn func(frame vision.Frame) (vision.Result, error)

	// Frames records every frame passed to Detect.
	Frames []vision.Frame
}

// Detect records the frame and returns the scripted response.
func (d *Detector) Detect(_ context.Context, frame vision.Frame) (vision.Result, error) {
	d.mu.Lock()
	d.Frames = append(d.Frames, frame)
	fn, res, err := d.Fn, d.Result, d.Err
	d.mu.Unlock()
	if fn != nil {
		return fn(frame)
	}
	return res, err
}

// Set replaces the scripted result. Thread-safe.
func (d *Detector) Set(res vision.Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Result, d.Err = res, err
}

// Calls returns the number of Detect calls.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}

var _ vision.Detector = (*Detector)(nil)
