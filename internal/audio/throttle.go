// ABOUTME: Real-time pacing for sources that do not block on hardware
// ABOUTME: File and tone sources would otherwise outrun the renderers
package audio

import "time"

// throttle paces Read calls so a non-blocking source produces samples at
// real-time rate. The microphone needs no pacing: its reads block on the
// hardware clock.
type throttle struct {
	start  time.Time
	frames uint64
}

// pace sleeps until the given total frame count lines up with wall time.
func (t *throttle) pace(frames, sampleRate int) {
	if t.start.IsZero() {
		t.start = time.Now()
	}
	t.frames += uint64(frames)

	target := t.start.Add(time.Duration(t.frames) * time.Second / time.Duration(sampleRate))
	if d := time.Until(target); d > 0 {
		time.Sleep(d)
	}
}
