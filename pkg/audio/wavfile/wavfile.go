// Package wavfile provides an [audio.Source] that replays WAV files from a
// directory as capture devices. It is the default source for offline runs and
// demos: every *.wav file in the directory is listed as "file:<name>".
//
// Files must be 16-bit PCM in exactly the configured sample rate and channel
// count; anything else is reported as [audio.ErrDeviceUnavailable]. The end of
// the file surfaces as io.EOF so the session ends gracefully.
package wavfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Prefix is the device-ID prefix served by this source.
const Prefix = "file"

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Option is a functional option for [New].
type Option func(*Source)

// WithRealtime paces reads to the wall clock so that a file plays back at the
// speed it would have been captured. Without it frames are delivered as fast
// as the reader consumes them.
func WithRealtime(enabled bool) Option {
	return func(s *Source) {
		s.realtime = enabled
	}
}

// Source lists and opens WAV files in a directory.
type Source struct {
	dir      string
	realtime bool
}

// New creates a Source serving the WAV files in dir.
func New(dir string, opts ...Option) *Source {
	s := &Source{dir: dir, realtime: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Devices lists every *.wav file in the directory. A missing directory yields
// an empty list.
func (s *Source) Devices(_ context.Context) ([]audio.Device, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wavfile: read dir %q: %w", s.dir, err)
	}
	var devs []audio.Device
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		dev := audio.Device{
			ID:   Prefix + ":" + e.Name(),
			Name: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Kind: audio.DeviceFile,
		}
		if f, err := os.Open(filepath.Join(s.dir, e.Name())); err == nil {
			dec := wav.NewDecoder(f)
			if dec.IsValidFile() {
				dev.SampleRate = int(dec.SampleRate)
				dev.Channels = int(dec.NumChans)
			}
			_ = f.Close()
		}
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs, nil
}

// Open opens the file named by deviceID ("file:<name>").
func (s *Source) Open(_ context.Context, deviceID string, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wavfile: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	name := strings.TrimPrefix(deviceID, Prefix+":")
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("wavfile: invalid device %q: %w", deviceID, audio.ErrDeviceUnavailable)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w: %w", name, audio.ErrDeviceUnavailable, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %q is not a valid wav file: %w", name, audio.ErrDeviceUnavailable)
	}
	if int(dec.SampleRate) != cfg.SampleRate || int(dec.NumChans) != cfg.Channels || dec.BitDepth != 16 {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %q is %dHz/%dch/%dbit, want %s/16bit: %w",
			name, dec.SampleRate, dec.NumChans, dec.BitDepth, cfg.Format, audio.ErrDeviceUnavailable)
	}
	if err := dec.FwdToPCM(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: seek pcm in %q: %w: %w", name, audio.ErrDeviceUnavailable, err)
	}

	return &stream{
		file:     f,
		dec:      dec,
		cfg:      cfg,
		realtime: s.realtime,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate},
			Data:   make([]int, cfg.FrameSamples()),
		},
	}, nil
}

// stream reads blocks from an open WAV file.
type stream struct {
	mu       sync.Mutex
	file     *os.File
	dec      *wav.Decoder
	cfg      audio.StreamConfig
	realtime bool
	buf      *goaudio.IntBuffer

	seq     uint64
	started time.Time
	closed  bool
	eof     bool
}

func (s *stream) Read(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, audio.ErrStreamClosed
	}
	if s.eof {
		return audio.Frame{}, io.EOF
	}

	if s.realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(time.Duration(s.seq) * s.cfg.BlockDuration())
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return audio.Frame{}, ctx.Err()
			case <-t.C:
			}
		}
	}

	want := s.cfg.FrameSamples()
	samples := make([]int16, 0, want)
	for len(samples) < want {
		s.buf.Data = s.buf.Data[:want-len(samples)]
		n, err := s.dec.PCMBuffer(s.buf)
		if err != nil {
			return audio.Frame{}, fmt.Errorf("wavfile: read pcm: %w", err)
		}
		if n == 0 {
			// A partial trailing block is discarded.
			s.eof = true
			return audio.Frame{}, io.EOF
		}
		for _, v := range s.buf.Data[:n] {
			samples = append(samples, int16(v))
		}
	}

	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Seq:        s.seq,
		Timestamp:  time.Duration(s.seq) * s.cfg.BlockDuration(),
	}
	s.seq++
	return f, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
