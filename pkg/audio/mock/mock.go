// Package mock provides in-memory mock implementations of [audio.Source] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	cfg := audio.StreamConfig{Format: audio.Format{SampleRate: 8000, Channels: 1}, BlockSize: 80}
//	stream := &mock.Stream{Frames: mock.SquareFrames(cfg, 10, 4000)}
//	src := &mock.Source{StreamResult: stream}
//	got, err := src.Open(ctx, "mock:test", cfg)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. It delivers Frames in
// order, then returns EndErr. When EndErr is nil the stream blocks after the
// last frame until the context is cancelled or the stream is closed.
type Stream struct {
	mu sync.Mutex

	// Frames are delivered in order by Read.
	Frames []audio.Frame

	// Interval, when positive, delays every Read to simulate real-time pacing.
	Interval time.Duration

	// EndErr is returned once all Frames have been delivered.
	EndErr error

	// ReadCalls counts Read invocations, CloseCalls counts Close invocations.
	ReadCalls  int
	CloseCalls int

	pos    int
	closed bool
	done   chan struct{}
}

// Compile-time interface assertion.
var _ audio.Stream = (*Stream)(nil)

func (s *Stream) doneCh() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Read implements [audio.Stream].
func (s *Stream) Read(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	s.ReadCalls++
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, audio.ErrStreamClosed
	}
	interval := s.Interval
	done := s.doneCh()
	s.mu.Unlock()

	if interval > 0 {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return audio.Frame{}, ctx.Err()
		case <-done:
			t.Stop()
			return audio.Frame{}, audio.ErrStreamClosed
		case <-t.C:
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, audio.ErrStreamClosed
	}
	if s.pos < len(s.Frames) {
		f := s.Frames[s.pos]
		s.pos++
		s.mu.Unlock()
		return f, nil
	}
	endErr := s.EndErr
	s.mu.Unlock()

	if endErr != nil {
		return audio.Frame{}, endErr
	}
	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-done:
		return audio.Frame{}, audio.ErrStreamClosed
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.doneCh())
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Source ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	DeviceID string
	Config   audio.StreamConfig
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device

	// DevicesErr is returned by Devices.
	DevicesErr error

	// StreamResult is returned by Open when OpenErr is nil.
	StreamResult audio.Stream

	// OpenErr is returned by Open.
	OpenErr error

	// OpenCalls records every Open invocation.
	OpenCalls []OpenCall
}

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

// Devices implements [audio.Source].
func (s *Source) Devices(_ context.Context) ([]audio.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DevicesResult, s.DevicesErr
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, deviceID string, cfg audio.StreamConfig) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{DeviceID: deviceID, Config: cfg})
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return s.StreamResult, nil
}

// Calls returns a copy of the recorded Open calls.
func (s *Source) Calls() []OpenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OpenCall, len(s.OpenCalls))
	copy(out, s.OpenCalls)
	return out
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SquareFrames returns n consecutive frames of a square wave with the given
// amplitude, switching sign every 8 samples.
func SquareFrames(cfg audio.StreamConfig, n int, amplitude int16) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range n {
		samples := make([]int16, cfg.FrameSamples())
		for j := range samples {
			if (j/cfg.Channels/8)%2 == 0 {
				samples[j] = amplitude
			} else {
				samples[j] = -amplitude
			}
		}
		frames[i] = audio.Frame{
			Samples:    samples,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Seq:        uint64(i),
			Timestamp:  time.Duration(i) * cfg.BlockDuration(),
		}
	}
	return frames
}
