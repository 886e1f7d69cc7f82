package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts interleaved int16 sample blocks to a target format.
// It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts samples from src to the target format. If src already
// matches the target, samples is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample, then upmix.
func (c *FormatConverter) Convert(samples []int16, src Format) []int16 {
	if src == c.Target {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})
	return Convert(samples, src, c.Target)
}

// Convert converts interleaved int16 samples between formats. Channel counts
// other than 1 and 2 are downmixed to mono before any further conversion.
func Convert(samples []int16, src, dst Format) []int16 {
	if src == dst || len(samples) == 0 {
		return samples
	}
	pcm := samples
	channels := src.Channels

	// Step 1: reduce channels first so fewer samples are resampled.
	if channels > dst.Channels || channels > 2 {
		pcm = Downmix(pcm, channels)
		channels = 1
	}

	// Step 2: resample.
	if src.SampleRate != dst.SampleRate {
		pcm = Resample(pcm, channels, src.SampleRate, dst.SampleRate)
	}

	// Step 3: expand channels.
	if channels == 1 && dst.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downmix averages every group of channels samples into one mono sample.
// Uses int32 arithmetic to prevent overflow.
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(pcm[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resample converts interleaved PCM from srcRate to dstRate using linear
// interpolation per channel. If the rates match, pcm is returned unchanged.
func Resample(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < channels {
		return pcm
	}
	srcFrames := len(pcm) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(pcm[srcIdx*channels+ch])
			s1 := float64(pcm[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// DecodePCM16LE converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is ignored.
func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodePCM16LE converts samples to little-endian 16-bit PCM bytes.
func EncodePCM16LE(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
