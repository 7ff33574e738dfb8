package capture

import (
	"encoding/binary"
	"testing"
)

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("empty rms = %v", got)
	}
	silence := make([]byte, 1600)
	if got := RMS(silence); got != 0 {
		t.Fatalf("silence rms = %v", got)
	}
	square := make([]byte, 1600)
	for i := 0; i < len(square)/2; i++ {
		v := int16(16384)
		if i%2 == 0 {
			v = -v
		}
		binary.LittleEndian.PutUint16(square[i*2:], uint16(v))
	}
	if got := RMS(square); got < 0.49 || got > 0.51 {
		t.Fatalf("square wave rms = %v, want 0.5", got)
	}
}
