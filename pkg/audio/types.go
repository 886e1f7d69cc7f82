// Package audio defines the capture abstractions of SoundStage.
//
// The two primary abstractions are:
//
//   - [Source]: enumerates capture devices and opens a [Stream] on one of them.
//   - [Stream]: delivers fixed-size blocks of interleaved PCM as [Frame] values.
//
// Implementations live in adapter packages (audio/wavfile, audio/ingest,
// audio/discord, audio/mock). A [Router] multiplexes several sources behind a
// single [Source] keyed by device-ID prefix.
//
// This package lives under pkg/ because external code is expected to provide
// additional capture sources.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceUnavailable is returned (wrapped) by [Source.Open] when the device
	// cannot be opened or does not support the requested [StreamConfig].
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrStreamClosed is returned by [Stream.Read] after [Stream.Close].
	ErrStreamClosed = errors.New("audio: stream closed")
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "44100Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// StreamConfig is the capture format requested from a [Source].
type StreamConfig struct {
	Format

	// BlockSize is the number of samples per channel in one [Frame].
	BlockSize int
}

// Validate reports whether every field of the config is positive.
func (c StreamConfig) Validate() error {
	if c.SampleRate <= 0 || c.Channels <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("audio: invalid stream config %s block=%d", c.Format, c.BlockSize)
	}
	return nil
}

// FrameSamples is the number of interleaved samples in one block.
func (c StreamConfig) FrameSamples() int {
	return c.BlockSize * c.Channels
}

// BlockDuration is the wall-clock duration of one block.
func (c StreamConfig) BlockDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.BlockSize) * time.Second / time.Duration(c.SampleRate)
}

// Frame is one fixed-size block of captured audio. Frames are immutable once
// produced; consumers must not modify Samples.
type Frame struct {
	// Samples holds interleaved signed 16-bit PCM, BlockSize × Channels long.
	Samples []int16

	SampleRate int
	Channels   int

	// Seq is strictly increasing per stream. A gap means blocks were lost.
	Seq uint64

	// Overrun marks the first block delivered after the source had to drop
	// audio because the reader fell behind.
	Overrun bool

	// Timestamp is the capture position relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)/f.Channels) * time.Second / time.Duration(f.SampleRate)
}

// DeviceKind classifies where a capture device gets its audio from.
type DeviceKind string

const (
	DeviceFile    DeviceKind = "file"
	DeviceIngest  DeviceKind = "ingest"
	DeviceDiscord DeviceKind = "discord"
	DeviceMock    DeviceKind = "mock"
)

// Device describes one capture device offered by a [Source].
type Device struct {
	// ID is passed to [Source.Open]. It is prefixed with the source kind,
	// e.g. "file:crowd.wav" or "ingest:browser".
	ID string `json:"id"`

	Name string     `json:"name"`
	Kind DeviceKind `json:"kind"`

	// Channels and SampleRate describe the native format, when known.
	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`

	Default bool `json:"default"`
}

// Stream is an open capture handle.
//
// Implementations must be safe for one reader plus concurrent calls to Close.
type Stream interface {
	// Read blocks until one full block is available and returns it. It never
	// returns a partial block. io.EOF signals a finite source that ran out of
	// audio; any other error means the device was lost. After Close, Read
	// returns [ErrStreamClosed].
	Read(ctx context.Context) (Frame, error)

	// Close releases the device. It is idempotent.
	Close() error
}

// Source opens capture streams.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Devices lists the devices currently available for capture.
	Devices(ctx context.Context) ([]Device, error)

	// Open starts capturing from deviceID with the given config. An empty
	// deviceID selects the source's default device. Errors wrap
	// [ErrDeviceUnavailable] when the device is missing or cannot deliver cfg.
	Open(ctx context.Context, deviceID string, cfg StreamConfig) (Stream, error)
}
