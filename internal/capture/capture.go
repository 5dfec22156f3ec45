// Package capture owns the candidate's microphone and camera for the
// lifetime of a session.
//
// A [Device] is acquired once per session with Open, which may block until
// the candidate grants or denies access. Once started, the returned [Stream]
// delivers mono audio blocks at the capture rate and JPEG camera frames until
// it is closed.
// Closing a stream releases the device; repeated closes are no-ops.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/proctorlive/pkg/audio"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// ErrPermissionDenied is returned by [Device.Open] when the candidate refused
// microphone or camera access.
var ErrPermissionDenied = errors.New("capture: permission denied")

// ErrClosed is returned when a device is opened after it was released.
var ErrClosed = errors.New("capture: device closed")

// Device is a microphone and camera pair that can be acquired once.
type Device interface {
	// Open acquires the device. It blocks until access is granted, denied or
	// ctx is done.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired device.
type Stream interface {
	// Start begins delivery. Media captured before Start is discarded, not
	// queued.
	Start()

	// Audio delivers microphone blocks. The channel is closed on Close.
	Audio() <-chan audio.Block

	// Video delivers camera frames. The channel is closed on Close.
	Video() <-chan vision.Frame

	// Close releases the device. Safe to call more than once.
	Close() error
}
