package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/soundstage/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.MonoToStereo([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"stereo", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"no overflow", []int16{32767, 32767}, 2, []int16{32767}},
		{"mono passthrough", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
		{"quad", []int16{4, 8, 12, 16}, 4, []int16{10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.Downmix(tt.in, tt.channels); !slices.Equal(got, tt.want) {
				t.Errorf("Downmix = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	pcm := []int16{100, 200, 300}
	out := audio.Resample(pcm, 1, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), len(pcm))
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()
	out := audio.Resample([]int16{0, 1000}, 1, 8000, 16000)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[0] != 0 || out[1] != 500 {
		t.Errorf("interpolated = %v, want prefix [0 500]", out)
	}
}

func TestResample_Downsample(t *testing.T) {
	t.Parallel()
	out := audio.Resample(make([]int16, 480), 1, 48000, 16000)
	if len(out) != 160 {
		t.Errorf("len = %d, want 160", len(out))
	}
}

func TestResample_StereoKeepsChannelsApart(t *testing.T) {
	t.Parallel()
	// Left is constant 100, right is constant -100.
	pcm := []int16{100, -100, 100, -100, 100, -100, 100, -100}
	out := audio.Resample(pcm, 2, 22050, 44100)
	if len(out) != 16 {
		t.Fatalf("len = %d, want 16", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if out[i] != 100 || out[i+1] != -100 {
			t.Fatalf("frame %d = (%d,%d), want (100,-100)", i/2, out[i], out[i+1])
		}
	}
}

func TestResample_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := []int16{1, 2}
	if got := audio.Resample(pcm, 1, 0, 16000); !slices.Equal(got, pcm) {
		t.Errorf("Resample with zero rate = %v, want input unchanged", got)
	}
}

func TestConvert_Full(t *testing.T) {
	t.Parallel()
	src := audio.Format{SampleRate: 48000, Channels: 2}
	dst := audio.Format{SampleRate: 16000, Channels: 1}
	out := audio.Convert(make([]int16, 960*2), src, dst)
	if len(out) != 320 {
		t.Errorf("len = %d, want 320", len(out))
	}
}

func TestConvert_MonoToStereoUpsample(t *testing.T) {
	t.Parallel()
	src := audio.Format{SampleRate: 22050, Channels: 1}
	dst := audio.Format{SampleRate: 44100, Channels: 2}
	out := audio.Convert(make([]int16, 100), src, dst)
	if len(out) != 400 {
		t.Errorf("len = %d, want 400", len(out))
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 44100, Channels: 2}
	conv := audio.FormatConverter{Target: f}
	in := []int16{1, 2, 3, 4}
	out := conv.Convert(in, f)
	if &out[0] != &in[0] {
		t.Error("matching format should return the input slice unchanged")
	}
}

func TestPCM16LE_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768}
	b := audio.EncodePCM16LE(in)
	if len(b) != 10 {
		t.Fatalf("encoded len = %d, want 10", len(b))
	}
	if got := audio.DecodePCM16LE(b); !slices.Equal(got, in) {
		t.Errorf("decoded = %v, want %v", got, in)
	}
	if got := audio.DecodePCM16LE(append(b, 0x7f)); len(got) != len(in) {
		t.Errorf("odd trailing byte: len = %d, want %d", len(got), len(in))
	}
}

func TestStreamConfig(t *testing.T) {
	t.Parallel()
	cfg := audio.StreamConfig{Format: audio.Format{SampleRate: 44100, Channels: 2}, BlockSize: 441}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.FrameSamples(); got != 882 {
		t.Errorf("FrameSamples = %d, want 882", got)
	}
	if got := cfg.BlockDuration().Milliseconds(); got != 10 {
		t.Errorf("BlockDuration = %dms, want 10ms", got)
	}
	if err := (audio.StreamConfig{}).Validate(); err == nil {
		t.Error("zero config should not validate")
	}
}
