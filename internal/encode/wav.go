// ABOUTME: Minimal WAV (RIFF) header for the unbounded PCM stream endpoint
// ABOUTME: Chunk sizes are declared oversized because capture has no end
package encode

import (
	"bytes"
	"encoding/binary"
)

// WAVHeader returns a 44-byte RIFF/PCM header for an unbounded stream. The
// RIFF and data chunk sizes are set near their maximum since the true length
// is unknowable while capture runs.
func WAVHeader(sampleRate, channels, bitDepth int) []byte {
	const maxChunk = 0x7FFFFFF0

	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(maxChunk))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM tag
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(maxChunk))

	return buf.Bytes()
}
