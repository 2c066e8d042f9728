package audio

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = EncodingLinear16
)

// Format is the sample encoding of microphone audio sent by the client.
type Format string

const (
	EncodingMulaw    Format = "mulaw"
	EncodingALaw     Format = "alaw"
	EncodingLinear16 Format = "linear16"
)

func (f Format) Name() string { return string(f) }

// ByteSize is the size of one sample, or -1 for unknown formats.
func (f Format) ByteSize() int {
	switch f {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

// EncodingInfo describes mono audio frames.
type EncodingInfo struct {
	SampleRate int
	Format     Format
}

func DefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: DefaultFormat}
}

// ParseEncodingInfo validates a client-declared encoding. Empty values take
// the defaults.
func ParseEncodingInfo(format string, sampleRate int) (EncodingInfo, error) {
	info := DefaultEncodingInfo()
	if format != "" {
		info.Format = Format(strings.ToLower(strings.TrimSpace(format)))
	}
	if sampleRate != 0 {
		info.SampleRate = sampleRate
	}

	if info.Format.ByteSize() < 0 {
		return EncodingInfo{}, fmt.Errorf("unsupported audio format %q", format)
	}
	if info.SampleRate <= 0 {
		return EncodingInfo{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return info, nil
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// SilenceValue is the byte that encodes silence in this format.
func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	}
	return 0
}

// Silence returns d of silent audio.
func (e EncodingInfo) Silence(d time.Duration) []byte {
	size := int(int64(e.SampleRate) * int64(e.Format.ByteSize()) * d.Milliseconds() / 1000)
	chunk := make([]byte, max(0, size))
	if silence := e.SilenceValue(); silence != 0 {
		for i := range chunk {
			chunk[i] = silence
		}
	}
	return chunk
}

// Duration is the playing time of size bytes of audio.
func (e EncodingInfo) Duration(size int) time.Duration {
	bytesPerSecond := e.SampleRate * e.Format.ByteSize()
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(bytesPerSecond)
}
