// Package audio turns arbitrary recorded audio into the 16 kHz mono float32
// samples the transcription backend consumes.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"modelkeeper/internal/errs"
)

const (
	// SampleRate is the rate the recognizer expects.
	SampleRate = 16000

	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// Clip is decoded audio. Samples are interleaved when Channels > 1.
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration is the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.Channels) / float64(c.SampleRate)
}

// IsCanonical reports whether c can be sent to the recognizer as is.
func IsCanonical(c Clip) bool { return c.Channels == 1 && c.SampleRate == SampleRate }

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

// DecodeWAV parses 16-bit PCM or 32-bit float WAV data.
func DecodeWAV(b []byte) (Clip, error) {
	const op = "decode wav"
	if !IsWAV(b) {
		return Clip{}, errs.E(errs.Invalid, op, "not a RIFF/WAVE stream")
	}
	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := b[off+8:]
		if size > len(body) {
			// writers that stream often leave the data size unset
			size = len(body)
		}
		body = body[:size]
		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, errs.E(errs.Invalid, op, "short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			if format == formatExtensible && size >= 26 {
				format = binary.LittleEndian.Uint16(body[24:26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, errs.E(errs.Invalid, op, "data chunk before fmt chunk")
			}
			if channels == 0 || rate == 0 {
				return Clip{}, errs.E(errs.Invalid, op, "zero channels or sample rate")
			}
			samples, err := decodeSamples(body, format, bits)
			if err != nil {
				return Clip{}, errs.Wrap(errs.Invalid, op, err)
			}
			return Clip{Samples: samples, SampleRate: int(rate), Channels: int(channels)}, nil
		}
		off += 8 + size + size%2
	}
	return Clip{}, errs.E(errs.Invalid, op, "no data chunk")
}

func decodeSamples(data []byte, format, bits uint16) ([]float32, error) {
	switch {
	case format == formatPCM && bits == 16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
		}
		return out, nil
	case format == formatIEEEFloat && bits == 32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding: format %d, %d bits", format, bits)
}

// EncodeWAV writes c as 16-bit PCM.
func EncodeWAV(c Clip) []byte {
	channels := c.Channels
	if channels == 0 {
		channels = 1
	}
	dataLen := len(c.Samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{
		uint32(16), uint16(formatPCM), uint16(channels), uint32(c.SampleRate),
		uint32(c.SampleRate * channels * 2), uint16(channels * 2), uint16(16),
	} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	pcm := make([]byte, dataLen)
	for i, s := range c.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(math.Round(v*32767))))
	}
	buf.Write(pcm)
	return buf.Bytes()
}

// RMS is the root mean square of samples; 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Segments splits samples into consecutive slices of at most max samples.
// The slices share samples' backing array.
func Segments(samples []float32, max int) [][]float32 {
	if max <= 0 || len(samples) <= max {
		if len(samples) == 0 {
			return nil
		}
		return [][]float32{samples}
	}
	out := make([][]float32, 0, (len(samples)+max-1)/max)
	for off := 0; off < len(samples); off += max {
		end := min(off+max, len(samples))
		out = append(out, samples[off:end])
	}
	return out
}
