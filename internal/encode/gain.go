// ABOUTME: Integer gain stage with saturation for the capture pipeline
// ABOUTME: Raw capture levels are too low for audible renderer playback
package encode

// ApplyGain multiplies each sample by factor in place, clamping to the
// signed 16-bit range instead of wrapping.
func ApplyGain(samples []int16, factor int) {
	if factor == 1 {
		return
	}
	for i, s := range samples {
		v := int32(s) * int32(factor)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
}

// PCMBytes converts interleaved int16 samples to little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
