package audio

import (
	"math"

	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
)

// RMS computes the root-mean-square energy of 16-bit little-endian PCM.
// Range is 0..32768; normal speech usually lands between 500 and 5000,
// silence below 100. A partial trailing byte is a decode error; an empty
// buffer is silence (0).
func RMS(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, voiceerr.New(voiceerr.KindAudioDecode,
			"pcm payload has truncated sample (odd byte count)")
	}
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return 0, nil
	}

	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		s := float64(sample)
		sumSquares += s * s
	}

	rms := math.Sqrt(sumSquares / float64(sampleCount))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0, voiceerr.New(voiceerr.KindAudioDecode, "pcm energy is not a finite number")
	}
	return rms, nil
}
