// ABOUTME: Test tone source for exercising the pipeline without a microphone
// ABOUTME: Generates a 440Hz sine wave at the configured format
package audio

import (
	"math"
	"sync"
)

// TestToneSource generates a 440Hz test tone.
type TestToneSource struct {
	mu          sync.Mutex
	throttle    throttle
	sampleIndex uint64
	sampleRate  int
	channels    int
	frequency   float64
}

// NewTestToneSource creates a test tone generator at the given format.
func NewTestToneSource(sampleRate, channels int) *TestToneSource {
	return &TestToneSource{
		sampleRate: sampleRate,
		channels:   channels,
		frequency:  440.0, // A4 note
	}
}

func (s *TestToneSource) Read(samples []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := len(samples) / s.channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		pcm := int16(math.Sin(2*math.Pi*s.frequency*t) * 32767.0 * 0.5)
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = pcm
		}
	}
	s.sampleIndex += uint64(frames)
	s.throttle.pace(frames, s.sampleRate)

	return frames * s.channels, nil
}

func (s *TestToneSource) SampleRate() int { return s.sampleRate }
func (s *TestToneSource) Channels() int   { return s.channels }
func (s *TestToneSource) Title() string   { return "Test Tone" }
func (s *TestToneSource) Close() error    { return nil }
