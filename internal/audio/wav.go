package audio

import (
	"encoding/binary"
	"io"
)

const (
	wavHeaderSize  = 44
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
)

// writeWAVHeader writes a 44-byte PCM header for mono 16-bit audio.
// It is written once with dataLen 0 and rewritten when the take ends.
func writeWAVHeader(w io.Writer, sampleRate, dataLen int) error {
	h := make([]byte, wavHeaderSize)
	le := binary.LittleEndian

	copy(h[0:], "RIFF")
	le.PutUint32(h[4:], uint32(36+dataLen))
	copy(h[8:], "WAVE")

	copy(h[12:], "fmt ")
	le.PutUint32(h[16:], 16) // fmt chunk size
	le.PutUint16(h[20:], 1)  // PCM
	le.PutUint16(h[22:], 1)  // mono
	le.PutUint32(h[24:], uint32(sampleRate))
	le.PutUint32(h[28:], uint32(sampleRate*bytesPerSample))
	le.PutUint16(h[32:], bytesPerSample)
	le.PutUint16(h[34:], bitsPerSample)

	copy(h[36:], "data")
	le.PutUint32(h[40:], uint32(dataLen))

	_, err := w.Write(h)
	return err
}
