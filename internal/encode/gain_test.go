// ABOUTME: Tests for the saturating gain stage
// ABOUTME: Amplification must clamp at the 16-bit bounds, never wrap
package encode

import "testing"

func TestApplyGainAmplifies(t *testing.T) {
	samples := []int16{100, -100, 0, 1000}
	ApplyGain(samples, 4)

	expected := []int16{400, -400, 0, 4000}
	for i, want := range expected {
		if samples[i] != want {
			t.Errorf("sample %d: expected %d, got %d", i, want, samples[i])
		}
	}
}

func TestApplyGainClampsPositive(t *testing.T) {
	samples := []int16{30000, 32767, 10000}
	ApplyGain(samples, 4)

	for i, s := range samples {
		if s != 32767 {
			t.Errorf("sample %d: expected clamp to 32767, got %d", i, s)
		}
	}
}

func TestApplyGainClampsNegative(t *testing.T) {
	samples := []int16{-30000, -32768, -10000}
	ApplyGain(samples, 4)

	for i, s := range samples {
		if s != -32768 {
			t.Errorf("sample %d: expected clamp to -32768, got %d", i, s)
		}
	}
}

func TestApplyGainUnityIsNoop(t *testing.T) {
	samples := []int16{123, -456, 32767, -32768}
	ApplyGain(samples, 1)

	expected := []int16{123, -456, 32767, -32768}
	for i, want := range expected {
		if samples[i] != want {
			t.Errorf("sample %d: expected %d, got %d", i, want, samples[i])
		}
	}
}

func TestApplyGainNoWraparound(t *testing.T) {
	// Every factor and boundary sample must stay within range.
	for factor := 1; factor <= 16; factor++ {
		for _, s := range []int16{32767, -32768, 16384, -16384} {
			samples := []int16{s}
			ApplyGain(samples, factor)
			got := int32(samples[0])
			if got > 32767 || got < -32768 {
				t.Fatalf("factor %d sample %d: out of range %d", factor, s, got)
			}
			// Sign must never flip on amplification.
			if s > 0 && samples[0] < 0 || s < 0 && samples[0] > 0 {
				t.Fatalf("factor %d sample %d wrapped to %d", factor, s, samples[0])
			}
		}
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	out := PCMBytes([]int16{0x0102, -2})
	expected := []byte{0x02, 0x01, 0xFE, 0xFF}
	if len(out) != len(expected) {
		t.Fatalf("expected %d bytes, got %d", len(expected), len(out))
	}
	for i, b := range expected {
		if out[i] != b {
			t.Errorf("byte %d: expected %02x, got %02x", i, b, out[i])
		}
	}
}
