// Package encoder drives the ffmpeg/ffprobe binaries to turn one source
// video into HLS renditions, thumbnails, and probe metadata.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

// FFmpegConfig holds configuration for the FFmpeg-based encoder.
type FFmpegConfig struct {
	// FFmpegPath is the path to the ffmpeg binary. If empty, "ffmpeg" is
	// used (assumes it is in PATH).
	FFmpegPath string

	// FFprobePath is the path to the ffprobe binary. If empty, "ffprobe"
	// is used.
	FFprobePath string

	// HLSSegmentDuration is the target segment duration in seconds.
	HLSSegmentDuration int

	// CRF is the constant rate factor passed to libx264.
	CRF int
}

// DefaultFFmpegConfig returns production defaults for the HLS VOD profile.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		FFmpegPath:         "ffmpeg",
		FFprobePath:        "ffprobe",
		HLSSegmentDuration: 10,
		CRF:                23,
	}
}

// FFmpegEncoder implements repository.Encoder using the ffmpeg/ffprobe CLIs.
type FFmpegEncoder struct {
	cfg FFmpegConfig
}

var _ repository.Encoder = (*FFmpegEncoder)(nil)

// NewFFmpegEncoder creates a new ffmpeg-backed encoder.
func NewFFmpegEncoder(cfg FFmpegConfig) *FFmpegEncoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.HLSSegmentDuration == 0 {
		cfg.HLSSegmentDuration = 10
	}
	if cfg.CRF == 0 {
		cfg.CRF = 23
	}
	return &FFmpegEncoder{cfg: cfg}
}

// Probe inspects a local media file for duration, dimensions, bitrate and codec.
func (e *FFmpegEncoder) Probe(ctx context.Context, path string) (*repository.ProbeResult, error) {
	ffprobe.SetFFProbeBinPath(e.cfg.FFprobePath)
	data, err := ffprobe.ProbeURL(ctx, path)
	if err != nil {
		return nil, &repository.EncoderError{Underlying: fmt.Errorf("probe failed: %w", err)}
	}

	stream := data.FirstVideoStream()
	if stream == nil {
		return nil, &repository.EncoderError{Underlying: fmt.Errorf("no video stream found in %s", path)}
	}

	duration := data.Format.DurationSeconds
	if duration == 0 {
		if d, perr := strconv.ParseFloat(stream.Duration, 64); perr == nil {
			duration = d
		}
	}

	bitrateKbps := 0
	bitrateStr := stream.BitRate
	if bitrateStr == "" {
		bitrateStr = data.Format.BitRate
	}
	if bitrateStr != "" {
		if bps, perr := strconv.ParseInt(bitrateStr, 10, 64); perr == nil {
			bitrateKbps = int(bps / 1000)
		}
	}

	sizeBytes := int64(0)
	if sz, perr := strconv.ParseInt(data.Format.Size, 10, 64); perr == nil {
		sizeBytes = sz
	}

	return &repository.ProbeResult{
		DurationSecs: duration,
		Width:        stream.Width,
		Height:       stream.Height,
		BitrateKbps:  bitrateKbps,
		Codec:        stream.CodecName,
		SizeBytes:    sizeBytes,
	}, nil
}

// TranscodeHLS transcodes input into an HLS VOD rendition under outputDir for
// the given profile: 10s segments, index-%05d.ts, CRF+maxrate/bufsize capped.
func (e *FFmpegEncoder) TranscodeHLS(ctx context.Context, input, outputDir string, profile model.EncodingProfile, progress repository.ProgressFunc) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return &repository.EncoderError{Resolution: profile.Resolution, Underlying: fmt.Errorf("create output dir: %w", err)}
	}

	playlistPath := filepath.Join(outputDir, "index.m3u8")
	segmentPattern := filepath.Join(outputDir, "index-%05d.ts")

	totalSecs, err := e.probeDurationSecs(ctx, input)
	if err != nil {
		totalSecs = 0 // progress becomes best-effort if the source can't be probed up front
	}

	args := e.buildTranscodeArgs(input, playlistPath, segmentPattern, profile)
	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &repository.EncoderError{Resolution: profile.Resolution, Underlying: err}
	}

	if err := cmd.Start(); err != nil {
		return &repository.EncoderError{Resolution: profile.Resolution, Underlying: fmt.Errorf("start ffmpeg: %w", err)}
	}

	if progress != nil {
		go watchProgress(stderr, totalSecs, progress)
	} else {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return &repository.EncoderError{Resolution: profile.Resolution, Underlying: fmt.Errorf("transcode cancelled: %w", ctx.Err())}
		}
		return &repository.EncoderError{Resolution: profile.Resolution, Underlying: fmt.Errorf("ffmpeg execution failed: %w", err)}
	}

	if progress != nil {
		progress(100)
	}

	return nil
}

func (e *FFmpegEncoder) buildTranscodeArgs(input, playlistPath, segmentPattern string, profile model.EncodingProfile) []string {
	scaleFilter := fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height)
	maxrate := fmt.Sprintf("%dk", profile.MaxrateKbps())
	bufsize := fmt.Sprintf("%dk", profile.BufsizeKbps())

	return []string{
		"-y",
		"-i", input,
		"-vf", scaleFilter,
		"-c:v", "libx264",
		"-profile:v", profile.H264Profile,
		"-level:v", profile.H264Level,
		"-crf", strconv.Itoa(e.cfg.CRF),
		"-maxrate", maxrate,
		"-bufsize", bufsize,
		"-b:a", fmt.Sprintf("%dk", profile.AudioKbps),
		"-c:a", "aac",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(e.cfg.HLSSegmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", segmentPattern,
		"-progress", "pipe:2",
		playlistPath,
	}
}

// Thumbnail extracts a single frame from input at timestampSecs into outputPath.
func (e *FFmpegEncoder) Thumbnail(ctx context.Context, input, outputPath string, timestampSecs float64, width, height int) error {
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(timestampSecs, 'f', 2, 64),
		"-i", input,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		outputPath,
	}

	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &repository.EncoderError{Underlying: fmt.Errorf("thumbnail cancelled: %w", ctx.Err())}
		}
		return &repository.EncoderError{Underlying: fmt.Errorf("thumbnail extraction failed: %w", err)}
	}
	return nil
}

func (e *FFmpegEncoder) probeDurationSecs(ctx context.Context, input string) (float64, error) {
	ffprobe.SetFFProbeBinPath(e.cfg.FFprobePath)
	data, err := ffprobe.ProbeURL(ctx, input)
	if err != nil {
		return 0, err
	}
	return data.Format.DurationSeconds, nil
}

// watchProgress reads ffmpeg's "-progress pipe:2" key=value stream and
// reports an integer percentage derived from out_time vs totalSecs. If
// totalSecs is 0, progress is reported as 0 until completion.
func watchProgress(r io.Reader, totalSecs float64, progress repository.ProgressFunc) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		line := scanner.Text()
		// Despite the name, ffmpeg reports out_time_ms in microseconds,
		// identical to out_time_us, so both divide by 1e6 below.
		if !strings.HasPrefix(line, "out_time_ms=") && !strings.HasPrefix(line, "out_time_us=") {
			continue
		}
		if totalSecs <= 0 {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		us, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		elapsed := float64(us) / 1_000_000
		pct := int((elapsed / totalSecs) * 100)
		if pct > 99 {
			pct = 99
		}
		if pct != last {
			progress(pct)
			last = pct
		}
	}
}
