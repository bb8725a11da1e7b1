// ABOUTME: Per-frame amplitude analysis for visualization
// ABOUTME: Computes RMS and peak from S16LE sample buffers
package audio

import "math"

// Levels holds the amplitude measurements for one frame.
type Levels struct {
	RMS  float64 // 0.0 to 1.0, relative to full scale
	Peak float64 // 0.0 to 1.0, relative to full scale
}

// LevelFunc receives amplitude updates, one per captured frame.
type LevelFunc func(Levels)

// Analyze computes RMS and peak amplitude for a frame of samples.
func Analyze(samples []int16) Levels {
	if len(samples) == 0 {
		return Levels{}
	}

	var sumSquares float64
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		sumSquares += float64(s) * float64(s)
	}

	const fullScale = 32768.0
	return Levels{
		RMS:  math.Sqrt(sumSquares/float64(len(samples))) / fullScale,
		Peak: float64(peak) / fullScale,
	}
}
