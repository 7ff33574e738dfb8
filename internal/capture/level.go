package capture

import (
	"encoding/binary"
	"math"
)

// RMS returns the root mean square of S16_LE samples on a 0..1 scale.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
