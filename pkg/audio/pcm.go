package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned when a PCM16 or float32 payload is not a whole
// number of samples.
var ErrOddLength = errors.New("audio: payload is not a whole number of samples")

// Encode converts float samples to signed 16-bit little-endian PCM. Each
// sample is clamped to [-1, 1]; negative values scale by 0x8000 and positive
// values by 0x7FFF so both ends of the int16 range are reachable.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 0x8000)
	default:
		return int16(s * 0x7FFF)
	}
}

// DecodePCM16 converts signed 16-bit little-endian PCM to float samples by
// dividing each value by 32768. An odd byte count yields [ErrOddLength].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out, nil
}

// DecodeFloat32 reads little-endian IEEE-754 float32 samples, the format
// browsers expose for captured audio.
func DecodeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// MeanAbs returns the mean absolute amplitude of samples. It drives the
// candidate-facing level meter. An empty block has level 0.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// RMS returns the root-mean-square energy of samples. It is the loudness
// measure used for voice detection. An empty block has energy 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
