package repository

import (
	"context"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

// ProbeResult is the result of probing a local media file.
type ProbeResult struct {
	DurationSecs float64
	Width        int
	Height       int
	BitrateKbps  int
	Codec        string
	SizeBytes    int64
}

// EncoderError reports a failure from the external media encoder. It is not
// retriable at this layer; the Queue's retry policy governs
// whether the owning job gets another attempt.
type EncoderError struct {
	Resolution model.Resolution
	Underlying error
}

func (e *EncoderError) Error() string {
	msg := "encoder error"
	if e.Resolution != "" {
		msg += " (" + string(e.Resolution) + ")"
	}
	return msg + ": " + e.Underlying.Error()
}

func (e *EncoderError) Unwrap() error {
	return e.Underlying
}

// ProgressFunc reports encode progress as an integer percentage 0..100.
type ProgressFunc func(percent int)

// Encoder defines the interface for the external media encoder.
// The concrete invocation of the encoder binary is an opaque collaborator;
// this interface is the contract the pipeline drives it through.
type Encoder interface {
	// Probe inspects a local media file.
	Probe(ctx context.Context, path string) (*ProbeResult, error)

	// TranscodeHLS transcodes input into an HLS rendition directory at
	// outputDir for the given resolution profile, reporting progress.
	TranscodeHLS(ctx context.Context, input, outputDir string, profile model.EncodingProfile, progress ProgressFunc) error

	// Thumbnail extracts a single frame from input at timestampSecs into
	// outputPath, resized to the given width/height.
	Thumbnail(ctx context.Context, input, outputPath string, timestampSecs float64, width, height int) error
}
