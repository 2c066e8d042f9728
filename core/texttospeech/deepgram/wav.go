package deepgram

import (
	"encoding/binary"

	"github.com/koscakluka/ema-surgery/core/audio"
)

const (
	wavFormatPCM   = 1
	wavFormatALaw  = 6
	wavFormatMulaw = 7
	wavHeaderSize  = 44
)

// wav prefixes mono samples with a RIFF header.
func wav(encoding audio.EncodingInfo, samples []byte) []byte {
	formatTag := uint16(wavFormatPCM)
	switch encoding.Format {
	case audio.EncodingALaw:
		formatTag = wavFormatALaw
	case audio.EncodingMulaw:
		formatTag = wavFormatMulaw
	}
	sampleSize := encoding.Format.ByteSize()

	out := make([]byte, wavHeaderSize, wavHeaderSize+len(samples))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(samples)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], formatTag)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(encoding.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(encoding.SampleRate*sampleSize))
	binary.LittleEndian.PutUint16(out[32:], uint16(sampleSize))
	binary.LittleEndian.PutUint16(out[34:], uint16(8*sampleSize))
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(samples)))
	return append(out, samples...)
}
