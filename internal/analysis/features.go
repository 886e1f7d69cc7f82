package analysis

import (
	"math"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Features are scalar descriptors of a window, computed on the mono downmix
// and normalised to [0, 1].
type Features struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`

	// ZCR is the fraction of adjacent sample pairs whose sign differs.
	ZCR float64 `json:"zcr"`
}

// ComputeFeatures derives [Features] from interleaved samples with the given
// channel count. It is deterministic and returns the zero value for empty
// input.
func ComputeFeatures(samples []int16, channels int) Features {
	mono := samples
	if channels > 1 {
		mono = audio.Downmix(samples, channels)
	}
	if len(mono) == 0 {
		return Features{}
	}

	var sumSq float64
	var peak int32
	crossings := 0
	for i, s := range mono {
		v := float64(s) / 32768
		sumSq += v * v
		a := int32(s)
		if a < 0 {
			a = -a
		}
		peak = max(peak, a)
		if i > 0 && (mono[i-1] < 0) != (s < 0) {
			crossings++
		}
	}

	f := Features{
		RMS:  math.Sqrt(sumSq / float64(len(mono))),
		Peak: min(float64(peak)/32768, 1),
	}
	if len(mono) > 1 {
		f.ZCR = float64(crossings) / float64(len(mono)-1)
	}
	return f
}
