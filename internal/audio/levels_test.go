// ABOUTME: Tests for amplitude analysis
// ABOUTME: RMS and peak against known sample patterns
package audio

import (
	"math"
	"testing"
)

func TestAnalyzeSilence(t *testing.T) {
	levels := Analyze(make([]int16, 1024))
	if levels.RMS != 0 || levels.Peak != 0 {
		t.Errorf("silence should measure zero, got %+v", levels)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	levels := Analyze(nil)
	if levels.RMS != 0 || levels.Peak != 0 {
		t.Errorf("empty frame should measure zero, got %+v", levels)
	}
}

func TestAnalyzeFullScale(t *testing.T) {
	samples := make([]int16, 256)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 32767
		} else {
			samples[i] = -32767
		}
	}

	levels := Analyze(samples)
	if math.Abs(levels.Peak-32767.0/32768.0) > 1e-9 {
		t.Errorf("peak = %v", levels.Peak)
	}
	if math.Abs(levels.RMS-32767.0/32768.0) > 1e-9 {
		t.Errorf("square wave RMS should equal peak, got %v", levels.RMS)
	}
}

func TestAnalyzeNegativePeak(t *testing.T) {
	levels := Analyze([]int16{0, -16384, 0, 0})
	if math.Abs(levels.Peak-16384.0/32768.0) > 1e-9 {
		t.Errorf("negative samples must count toward peak, got %v", levels.Peak)
	}
}

func TestAnalyzeMinInt16(t *testing.T) {
	levels := Analyze([]int16{-32768})
	if levels.Peak != 1.0 {
		t.Errorf("minimum sample should measure full scale, got %v", levels.Peak)
	}
}
