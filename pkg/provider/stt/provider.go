// Package stt defines the Provider interface for Speech-to-Text backends.
//
// SoundStage transcribes one analysis window at a time, so the interface is a
// batch call: PCM samples in, one Transcript out. Providers wrap either a
// local whisper.cpp server or a cloud API.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/soundstage/pkg/audio"
)

// Request is one batch of audio to transcribe.
type Request struct {
	// Samples is interleaved 16-bit PCM in Format.
	Samples []int16

	Format audio.Format

	// Language is a BCP-47 language hint (e.g., "en"). Empty lets the
	// provider auto-detect.
	Language string

	// Prompt biases recognition towards the given vocabulary. Providers that
	// do not support prompting ignore it.
	Prompt string
}

// Transcript is the result of one transcription request.
type Transcript struct {
	// Text is the transcribed speech content. Empty for silence.
	Text string

	// Confidence is the overall confidence score in [0, 1]. Zero when the
	// provider does not report one.
	Confidence float64

	// Language is the detected or requested language.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts req to text. It honours ctx cancellation; a
	// cancelled request returns ctx.Err() wrapped.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
