// Package opus decodes Opus-compressed microphone audio into the mono float
// blocks used by the capture path. Clients that cannot stream raw float32
// samples send one Opus packet per message instead.
package opus

import (
	"fmt"

	"github.com/MrWong99/proctorlive/pkg/audio"
	"layeh.com/gopus"
)

// Opus always runs its internal clock at 48 kHz; the decoder is resampled to
// the capture rate afterwards.
const (
	decodeRate     = 48000
	decodeChannels = 1

	// maxFrameSize is the number of samples in the longest legal Opus frame
	// (120 ms at 48 kHz).
	maxFrameSize = decodeRate * 120 / 1000
)

// Decoder turns a stream of Opus packets from one client into float samples
// at a fixed output rate. Decoder state carries across packets, so use one
// Decoder per stream. Not safe for concurrent use.
type Decoder struct {
	dec  *gopus.Decoder
	rate int
}

// NewDecoder creates a decoder producing mono samples at outRate Hz.
func NewDecoder(outRate int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(decodeRate, decodeChannels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, rate: outRate}, nil
}

// Decode decodes one Opus packet.
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("opus: empty packet")
	}
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	resampled := audio.ResampleMono16(audio.Int16sToBytes(pcm), decodeRate, d.rate)
	return audio.DecodePCM16(resampled)
}

// Encoder compresses mono PCM16 frames at 48 kHz. Clients written in Go and
// the tests use it to produce packets the Decoder accepts.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates a voice-tuned mono encoder.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(decodeRate, decodeChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses one frame of 48 kHz samples. Valid frame sizes are 2.5,
// 5, 10, 20, 40 or 60 ms of audio.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, len(pcm), len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
