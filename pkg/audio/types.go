// Package audio holds the sample formats and pure conversions shared by the
// capture, uplink and playback paths.
//
// Captured microphone audio is mono float32 in [-1, 1]. The remote agent
// consumes and produces signed 16-bit little-endian PCM. Every function in
// this package is stateless and safe for concurrent use.
package audio

import "time"

// Standard rates used across the session pipeline.
const (
	// CaptureSampleRate is the rate of microphone blocks sent upstream.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of agent audio received downstream.
	PlaybackSampleRate = 24000

	// CaptureBlockSize is the number of samples per captured block.
	CaptureBlockSize = 4096
)

// Block is one fixed-size block of captured mono samples.
type Block struct {
	// Samples are float32 values nominally in [-1, 1]. Values outside the
	// range are clamped on encode.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the block.
func (b Block) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// SamplesDuration returns how long n samples last at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
