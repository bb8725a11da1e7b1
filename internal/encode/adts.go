// ABOUTME: ADTS frame header encoding and decoding for the compressed stream
// ABOUTME: The 7-byte header carries codec parameters and the frame's own length
package encode

import "fmt"

// HeaderSize is the size of an ADTS header without CRC.
const HeaderSize = 7

// SamplesPerFrame is the number of PCM samples per channel in one AAC frame.
const SamplesPerFrame = 1024

// adtsMaxFrameLen is the largest frame length the 13-bit field can carry.
const adtsMaxFrameLen = 1<<13 - 1

// FrameHeader describes the fixed codec parameters stamped on every frame.
type FrameHeader struct {
	Profile    int // AAC object type (2 = LC)
	SampleRate int
	Channels   int
}

var sampleRateIndex = map[int]int{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11,
}

// SampleRateIndex returns the ADTS sampling frequency index for rate, or an
// error for rates the framing cannot express.
func SampleRateIndex(rate int) (int, error) {
	idx, ok := sampleRateIndex[rate]
	if !ok {
		return 0, fmt.Errorf("sample rate %d has no ADTS index", rate)
	}
	return idx, nil
}

// WriteHeader writes the 7-byte header for a frame with the given payload
// length into dst. The declared frame length includes the header itself, so
// the header must be regenerated for every frame.
func (h FrameHeader) WriteHeader(dst []byte, payloadLen int) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("header buffer too small: %d", len(dst))
	}
	frameLen := payloadLen + HeaderSize
	if frameLen > adtsMaxFrameLen {
		return fmt.Errorf("frame length %d exceeds ADTS maximum", frameLen)
	}
	freqIdx, err := SampleRateIndex(h.SampleRate)
	if err != nil {
		return err
	}

	profile := h.Profile - 1 // header stores object type minus one
	chanCfg := h.Channels

	dst[0] = 0xFF // syncword
	dst[1] = 0xF1 // syncword, MPEG-4, layer 0, no CRC
	dst[2] = byte(profile&0x3)<<6 | byte(freqIdx&0xF)<<2 | byte(chanCfg>>2)&0x1
	dst[3] = byte(chanCfg&0x3)<<6 | byte(frameLen>>11)&0x3
	dst[4] = byte(frameLen >> 3)
	dst[5] = byte(frameLen&0x7)<<5 | 0x1F // buffer fullness high bits (VBR)
	dst[6] = 0xFC                         // buffer fullness low bits, one raw data block
	return nil
}

// Frame returns a complete ADTS frame: header followed by payload.
func (h FrameHeader) Frame(payload []byte) ([]byte, error) {
	out := make([]byte, HeaderSize+len(payload))
	if err := h.WriteHeader(out, len(payload)); err != nil {
		return nil, err
	}
	copy(out[HeaderSize:], payload)
	return out, nil
}

// ParsedHeader is the result of decoding an ADTS header.
type ParsedHeader struct {
	Profile       int
	SampleRate    int
	Channels      int
	FrameLen      int // total frame length including header
	HeaderLen     int // 7, or 9 when a CRC is present
	PayloadOffset int
}

// ParseHeader decodes an ADTS header from the start of data.
func ParseHeader(data []byte) (ParsedHeader, error) {
	if len(data) < HeaderSize {
		return ParsedHeader{}, fmt.Errorf("short ADTS header: %d bytes", len(data))
	}
	if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return ParsedHeader{}, fmt.Errorf("bad ADTS syncword: %02x %02x", data[0], data[1])
	}

	freqIdx := int(data[2] >> 2 & 0xF)
	rate := 0
	for r, idx := range sampleRateIndex {
		if idx == freqIdx {
			rate = r
			break
		}
	}
	if rate == 0 {
		return ParsedHeader{}, fmt.Errorf("reserved sampling frequency index %d", freqIdx)
	}

	p := ParsedHeader{
		Profile:    int(data[2]>>6&0x3) + 1,
		SampleRate: rate,
		Channels:   int(data[2]&0x1)<<2 | int(data[3]>>6&0x3),
		FrameLen:   int(data[3]&0x3)<<11 | int(data[4])<<3 | int(data[5]>>5&0x7),
		HeaderLen:  HeaderSize,
	}
	if data[1]&0x1 == 0 { // protection_absent clear: 2-byte CRC follows
		p.HeaderLen = HeaderSize + 2
	}
	p.PayloadOffset = p.HeaderLen

	if p.FrameLen < p.HeaderLen {
		return ParsedHeader{}, fmt.Errorf("ADTS frame length %d smaller than header", p.FrameLen)
	}
	return p, nil
}
