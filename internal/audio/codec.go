// Package audio conditions host microphone frames for server-side speech
// recognition: it decodes them, resamples them to the recognizer's rate,
// re-encodes them as 16-bit linear PCM and spots voiced frames.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec names the sample encoding of host frames.
type Codec string

const (
	CodecPCM16   Codec = "pcm16"   // signed 16-bit little endian
	CodecFloat32 Codec = "float32" // IEEE 754 little endian in [-1, 1]
)

// decoders maps each supported codec to its decode function.
var decoders = map[Codec]func([]byte) []float32{
	CodecPCM16:   decodePCM16,
	CodecFloat32: decodeFloat32,
}

// Format describes the frames a host sends.
type Format struct {
	Codec      Codec `json:"codec"`
	SampleRate int   `json:"sampleRate"`
}

// Validate reports an unsupported codec or a non-positive rate.
func (f Format) Validate() error {
	if _, ok := decoders[f.Codec]; !ok {
		return fmt.Errorf("unsupported codec: %q", f.Codec)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	return nil
}

func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

func decodeFloat32(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range n {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}

// EncodePCM16 encodes samples as signed 16-bit little endian, clamping to
// [-1, 1].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}
