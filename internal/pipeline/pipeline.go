// Package pipeline runs the multi-stage transcoding worker: download,
// probe, thumbnail, per-resolution encode+upload, master playlist, callback.
// Progress survives crashes through a per-job checkpoint file, so a retried
// queue entry resumes instead of redoing finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hszk-dev/transcoder/internal/callback"
	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
	"github.com/hszk-dev/transcoder/internal/infrastructure/checkpoint"
	"github.com/hszk-dev/transcoder/internal/infrastructure/metrics"
)

// Progress milestones per stage. The transcode+upload span (15..80) is split
// evenly across valid resolutions, half encode and half upload each.
const (
	progressInitialized = 5
	progressDownloaded  = 10
	progressAnalyzed    = 12
	progressThumbnails  = 15
	progressTranscoded  = 80
	progressMaster      = 85
	progressUploaded    = 90
	progressCallback    = 95
	progressCompleted   = 100

	thumbnailTimestampSecs = 1.0
	thumbnailWidth         = 320
	thumbnailHeight        = 240
)

// supportedExtensions is the closed set of source container formats. An
// unknown extension logs a warning but does not abort the job; ffmpeg gets
// the final say on whether it can read the file.
var supportedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".m4v":  true,
}

// PipelineError carries the stage a job failed at alongside the cause.
type PipelineError struct {
	Stage model.Stage
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Result is what a finished job produced.
type Result struct {
	OutputKey    string
	TotalSize    int64
	DurationSecs float64
}

// Pipeline composes the object store, encoder, checkpoint store, job store
// and callback client into the stage machine executed per queue entry.
type Pipeline struct {
	jobs        repository.JobStore
	objects     repository.ObjectStore
	enc         repository.Encoder
	checkpoints *checkpoint.Store
	notifier    *callback.Client
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(
	jobs repository.JobStore,
	objects repository.ObjectStore,
	enc repository.Encoder,
	checkpoints *checkpoint.Store,
	notifier *callback.Client,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		jobs:        jobs,
		objects:     objects,
		enc:         enc,
		checkpoints: checkpoints,
		notifier:    notifier,
		logger:      logger,
	}
}

// Handle processes one reserved queue entry. It is registered as the queue's
// handler; a returned error triggers the queue's retry/backoff policy.
func (p *Pipeline) Handle(ctx context.Context, h repository.EntryHandle) error {
	entry := h.Entry()
	payload := entry.Payload

	st, err := p.checkpoints.Load(entry.JobID)
	if err != nil {
		return &PipelineError{Stage: model.StageInitialized, Cause: err}
	}

	// Idempotent replay: a completed checkpoint means every external effect
	// is already durable, so only the job record may still need finalizing.
	if st.Stage == model.StageCompleted {
		p.finalizeJob(ctx, entry.JobID, payload.VideoName, st)
		h.Progress(progressCompleted)
		return nil
	}

	// A checkpoint left at failed has lost its position in the stage order.
	// Restart from the top; completed_resolutions and uploaded_files still
	// make the expensive work skip itself.
	if st.Stage == model.StageFailed {
		st.Stage = model.StageInitialized
	}

	result, err := p.run(ctx, h, st)
	if err != nil {
		st.Stage = model.StageFailed
		if saveErr := p.checkpoints.Save(st); saveErr != nil {
			p.logger.Error("failed to persist failed checkpoint",
				slog.String("job_id", entry.JobID),
				slog.String("error", saveErr.Error()),
			)
		}

		var perr *PipelineError
		stage := model.StageFailed
		if errors.As(err, &perr) {
			stage = perr.Stage
		}
		p.addLog(ctx, entry.JobID, model.LogLevelError, err.Error(), stage.String())
		return err
	}

	p.logger.Info("job completed",
		slog.String("job_id", entry.JobID),
		slog.String("output_key", result.OutputKey),
		slog.Int64("total_size", result.TotalSize),
	)
	return nil
}

// run drives the stage machine, skipping any stage the checkpoint records as
// already reached.
func (p *Pipeline) run(ctx context.Context, h repository.EntryHandle, st *checkpoint.State) (*Result, error) {
	entry := h.Entry()
	jobID := entry.JobID
	payload := entry.Payload

	// A fresh checkpoint starts at initialized without having done the
	// work, so this first stage reruns unless the job is strictly past it.
	// Its effects are idempotent.
	if !st.Stage.IsAfter(model.StageInitialized) {
		if err := p.stageInitialize(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageInitialized, Cause: err}
		}
		h.Progress(progressInitialized)
	}

	if p.needs(st, model.StageDownloaded) {
		if err := p.stageDownload(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageDownloaded, Cause: err}
		}
		h.Progress(progressDownloaded)
	}

	if p.needs(st, model.StageAnalyzed) {
		if err := p.stageAnalyze(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageAnalyzed, Cause: err}
		}
		h.Progress(progressAnalyzed)
	}

	if p.needs(st, model.StageThumbnailsGenerated) {
		if err := p.stageThumbnails(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageThumbnailsGenerated, Cause: err}
		}
		h.Progress(progressThumbnails)
	}

	if p.needs(st, model.StageTranscoded) {
		if err := p.stageTranscode(ctx, h, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageTranscoded, Cause: err}
		}
		h.Progress(progressTranscoded)
	}

	if p.needs(st, model.StageUploaded) {
		if err := p.stageMasterPlaylist(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageUploaded, Cause: err}
		}
		h.Progress(progressMaster)

		if err := p.stageThumbnailUpload(ctx, jobID, payload, st); err != nil {
			return nil, &PipelineError{Stage: model.StageUploaded, Cause: err}
		}
		h.Progress(progressUploaded)
	}

	if err := p.stageCallback(ctx, jobID, payload, st); err != nil {
		return nil, &PipelineError{Stage: model.StageUploaded, Cause: err}
	}
	h.Progress(progressCallback)

	result, err := p.stageComplete(ctx, jobID, payload, st)
	if err != nil {
		return nil, &PipelineError{Stage: model.StageCompleted, Cause: err}
	}
	h.Progress(progressCompleted)
	return result, nil
}

// needs reports whether the work that records stage s is still outstanding.
func (p *Pipeline) needs(st *checkpoint.State, s model.Stage) bool {
	return st.Stage != s && !st.Stage.IsAfter(s)
}

func (p *Pipeline) stageInitialize(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	started := time.Now()
	defer p.observeStage(model.StageInitialized, started)

	if err := os.MkdirAll(p.checkpoints.JobDir(jobID), 0755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(payload.OriginalKey))
	if !supportedExtensions[ext] {
		p.addLog(ctx, jobID, model.LogLevelWarn,
			fmt.Sprintf("unrecognized source extension %q, attempting anyway", ext),
			model.StageInitialized.String())
	}

	st.Stage = model.StageInitialized
	if err := p.checkpoints.Save(st); err != nil {
		return err
	}
	p.addLog(ctx, jobID, model.LogLevelInfo, "job initialized", model.StageInitialized.String())
	return nil
}

func (p *Pipeline) stageDownload(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	started := time.Now()
	defer p.observeStage(model.StageDownloaded, started)

	localPath := st.DownloadedFile
	if localPath == "" {
		localPath = filepath.Join(p.checkpoints.JobDir(jobID), filepath.Base(payload.OriginalKey))
	}

	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		if err := p.objects.Download(ctx, payload.OriginalKey, localPath, repository.BucketSource); err != nil {
			return fmt.Errorf("Download failed for %s: %w", payload.OriginalKey, err)
		}
	}

	st.DownloadedFile = localPath
	st.Stage = model.StageDownloaded
	if err := p.checkpoints.Save(st); err != nil {
		return err
	}
	p.addLog(ctx, jobID, model.LogLevelInfo,
		fmt.Sprintf("downloaded %s", payload.OriginalKey), model.StageDownloaded.String())
	return nil
}

func (p *Pipeline) stageAnalyze(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	started := time.Now()
	defer p.observeStage(model.StageAnalyzed, started)

	probe, err := p.enc.Probe(ctx, st.DownloadedFile)
	if err != nil {
		return fmt.Errorf("analyze source: %w", err)
	}

	st.VideoInfo = &checkpoint.VideoInfo{
		DurationSecs: probe.DurationSecs,
		Width:        probe.Width,
		Height:       probe.Height,
		BitrateKbps:  probe.BitrateKbps,
		Codec:        probe.Codec,
		SizeBytes:    probe.SizeBytes,
	}

	// No-upscale rule: keep only requested resolutions that fit inside the
	// source height, preserving the requested order.
	valid := make([]model.Resolution, 0, len(payload.Resolutions))
	for _, r := range payload.Resolutions {
		profile, ok := model.Profiles[r]
		if !ok {
			continue
		}
		if profile.Height <= probe.Height {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return fmt.Errorf("validation: no requested resolution fits source height %d", probe.Height)
	}
	st.ValidResolutions = valid

	st.Stage = model.StageAnalyzed
	if err := p.checkpoints.Save(st); err != nil {
		return err
	}
	p.addLog(ctx, jobID, model.LogLevelInfo,
		fmt.Sprintf("source %dx%d %.1fs, %d valid resolutions", probe.Width, probe.Height, probe.DurationSecs, len(valid)),
		model.StageAnalyzed.String())
	return nil
}

func (p *Pipeline) stageThumbnails(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	started := time.Now()
	defer p.observeStage(model.StageThumbnailsGenerated, started)

	dir := p.checkpoints.JobDir(jobID)
	paths := []string{
		filepath.Join(dir, payload.VideoName+"-00001.jpg"),
		filepath.Join(dir, payload.VideoName+"-00001.png"),
	}

	thumbs := make([]string, 0, len(paths))
	for _, path := range paths {
		if err := p.enc.Thumbnail(ctx, st.DownloadedFile, path, thumbnailTimestampSecs, thumbnailWidth, thumbnailHeight); err != nil {
			// Thumbnails are decorative; a broken frame grab must not sink
			// the whole job.
			p.addLog(ctx, jobID, model.LogLevelWarn,
				fmt.Sprintf("thumbnail generation failed for %s: %v", filepath.Base(path), err),
				model.StageThumbnailsGenerated.String())
			continue
		}
		thumbs = append(thumbs, path)
	}

	st.ThumbnailPaths = thumbs
	st.Stage = model.StageThumbnailsGenerated
	if err := p.checkpoints.Save(st); err != nil {
		return err
	}
	p.addLog(ctx, jobID, model.LogLevelInfo,
		fmt.Sprintf("generated %d thumbnails", len(thumbs)), model.StageThumbnailsGenerated.String())
	return nil
}

// stageTranscode encodes and uploads each valid resolution in descending
// height order. Each rendition's local files are deleted as soon as its
// upload finishes, so disk headroom stays bounded by one rendition.
func (p *Pipeline) stageTranscode(ctx context.Context, h repository.EntryHandle, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	started := time.Now()
	defer p.observeStage(model.StageTranscoded, started)

	ordered := descendingByHeight(st.ValidResolutions)
	budget := float64(progressTranscoded-progressThumbnails) / float64(len(ordered))

	for i, res := range ordered {
		base := float64(progressThumbnails) + float64(i)*budget

		if st.HasCompletedResolution(res) {
			continue
		}

		profile := model.Profiles[res]
		outDir := filepath.Join(p.checkpoints.JobDir(jobID), "hls_"+string(res))

		encodeStart := time.Now()
		err := p.enc.TranscodeHLS(ctx, st.DownloadedFile, outDir, profile, func(pct int) {
			h.Progress(int(base + float64(pct)*budget/200))
		})
		if err != nil {
			return fmt.Errorf("transcode %s: %w", res, err)
		}
		p.addLog(ctx, jobID, model.LogLevelInfo,
			fmt.Sprintf("encoded %s in %s", res, time.Since(encodeStart).Round(time.Second)),
			model.StageTranscoded.String())

		if err := p.uploadRendition(ctx, h, payload.VideoName, res, outDir, st, base+budget/2, budget/2); err != nil {
			return err
		}

		if err := os.RemoveAll(outDir); err != nil {
			return fmt.Errorf("reclaim rendition dir %s: %w", outDir, err)
		}

		st.AddCompletedResolution(res)
		if err := p.checkpoints.Save(st); err != nil {
			return err
		}
		h.Progress(int(base + budget))
	}

	st.Stage = model.StageTranscoded
	return p.checkpoints.Save(st)
}

// uploadRendition pushes the rendition playlist then every segment, skipping
// keys already recorded as uploaded, checkpointing after each file.
func (p *Pipeline) uploadRendition(ctx context.Context, h repository.EntryHandle, videoName string, res model.Resolution, outDir string, st *checkpoint.State, base, budget float64) error {
	prefix := videoName + "/hls_" + string(res) + "/"

	playlistLocal := filepath.Join(outDir, "index.m3u8")
	playlistKey := prefix + "index-.m3u8"
	if err := p.uploadFile(ctx, playlistLocal, playlistKey, "application/vnd.apple.mpegurl", st); err != nil {
		return fmt.Errorf("upload %s playlist: %w", res, err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("scan rendition dir: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".ts") {
			segments = append(segments, entry.Name())
		}
	}
	sort.Strings(segments)

	for i, name := range segments {
		key := prefix + name
		if err := p.uploadFile(ctx, filepath.Join(outDir, name), key, "video/mp2t", st); err != nil {
			return fmt.Errorf("upload %s segment %s: %w", res, name, err)
		}
		h.Progress(int(base + float64(i+1)*budget/float64(len(segments))))
	}
	return nil
}

func (p *Pipeline) uploadFile(ctx context.Context, localPath, key, contentType string, st *checkpoint.State) error {
	if st.HasUploadedKey(key) {
		return nil
	}

	result, err := p.objects.Upload(ctx, localPath, key, contentType, repository.BucketOutput)
	if err != nil {
		return err
	}

	st.AddUploadedFile(checkpoint.UploadedFile{
		Name: filepath.Base(localPath),
		Key:  key,
		Size: result.Size,
	})
	return p.checkpoints.Save(st)
}

func (p *Pipeline) stageMasterPlaylist(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	content := BuildMasterPlaylist(st.ValidResolutions)
	localPath := filepath.Join(p.checkpoints.JobDir(jobID), "index.m3u8")

	if err := os.WriteFile(localPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}

	key := payload.VideoName + "/index.m3u8"
	if err := p.uploadFile(ctx, localPath, key, "application/vnd.apple.mpegurl", st); err != nil {
		return fmt.Errorf("upload master playlist: %w", err)
	}

	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove local master playlist: %w", err)
	}
	p.addLog(ctx, jobID, model.LogLevelInfo, "master playlist uploaded", model.StageUploaded.String())
	return nil
}

func (p *Pipeline) stageThumbnailUpload(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	for _, path := range st.ThumbnailPaths {
		key := payload.VideoName + "/" + filepath.Base(path)
		if err := p.uploadFile(ctx, path, key, contentTypeByExt(path), st); err != nil {
			return fmt.Errorf("upload thumbnail %s: %w", filepath.Base(path), err)
		}
	}

	if st.DownloadedFile != "" {
		if err := os.Remove(st.DownloadedFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove downloaded source: %w", err)
		}
	}

	st.Stage = model.StageUploaded
	if err := p.checkpoints.Save(st); err != nil {
		return err
	}
	p.addLog(ctx, jobID, model.LogLevelInfo, "artifacts uploaded, source reclaimed", model.StageUploaded.String())
	return nil
}

// stageCallback delivers the completion notification. A delivery failure
// fails the job, but the bundle already in the output bucket is retained.
func (p *Pipeline) stageCallback(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) error {
	var duration float64
	resolution := ""
	if st.VideoInfo != nil {
		duration = st.VideoInfo.DurationSecs
		resolution = fmt.Sprintf("%dx%d", st.VideoInfo.Width, st.VideoInfo.Height)
	}

	err := p.notifier.NotifySuccess(ctx, payload.CallbackURL, callback.SuccessPayload{
		JobID:       jobID,
		OriginalKey: payload.OriginalKey,
		OutputKey:   payload.VideoName + "/index.m3u8",
		VideoName:   payload.VideoName,
		Environment: payload.Environment,
		Metadata: callback.SuccessMetadata{
			Duration:           duration,
			OriginalResolution: resolution,
		},
	})
	if err != nil {
		return err
	}

	p.addLog(ctx, jobID, model.LogLevelInfo, "completion callback delivered", model.StageUploaded.String())
	return nil
}

func (p *Pipeline) stageComplete(ctx context.Context, jobID string, payload model.QueuePayload, st *checkpoint.State) (*Result, error) {
	st.Stage = model.StageCompleted
	if err := p.checkpoints.Save(st); err != nil {
		return nil, err
	}

	p.finalizeJob(ctx, jobID, payload.VideoName, st)

	return &Result{
		OutputKey:    payload.VideoName + "/index.m3u8",
		TotalSize:    st.TotalUploadedSize(),
		DurationSecs: st.DurationSecs(),
	}, nil
}

// finalizeJob records completion in the job store. A replayed entry may find
// the job already completed; that is not an error.
func (p *Pipeline) finalizeJob(ctx context.Context, jobID, videoName string, st *checkpoint.State) {
	err := p.jobs.CompleteJob(ctx, jobID, videoName+"/index.m3u8", st.TotalUploadedSize(), st.DurationSecs())
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		p.logger.Error("failed to finalize job record",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) addLog(ctx context.Context, jobID string, level model.LogLevel, message, stage string) {
	err := p.jobs.AddLog(ctx, model.JobLog{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Stage:     stage,
		CreatedAt: time.Now(),
	})
	if err != nil {
		p.logger.Warn("failed to append job log",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) observeStage(stage model.Stage, started time.Time) {
	metrics.StageDurationSeconds.WithLabelValues(stage.String()).Observe(time.Since(started).Seconds())
}

// descendingByHeight orders resolutions by profile height, tallest first.
func descendingByHeight(resolutions []model.Resolution) []model.Resolution {
	ordered := make([]model.Resolution, len(resolutions))
	copy(ordered, resolutions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return model.Profiles[ordered[i]].Height > model.Profiles[ordered[j]].Height
	})
	return ordered
}

func contentTypeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// BuildMasterPlaylist renders the HLS master playlist: one stream entry per
// rendition in descending height order, referencing the rendition playlists
// by relative URL.
func BuildMasterPlaylist(resolutions []model.Resolution) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	for _, res := range descendingByHeight(resolutions) {
		profile := model.Profiles[res]
		b.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=%q\n",
			profile.Bandwidth(), profile.Width, profile.Height, profile.CodecsString,
		))
		b.WriteString("hls_" + string(res) + "/index-.m3u8\n")
	}
	return b.String()
}
