package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"anipipe/internal/model"
	"anipipe/internal/remote"
	"anipipe/internal/store"
	"anipipe/internal/tools"
)

// ErrStopped is returned when a stop was requested between stages; the
// caller requeues the item and its checkpoint resumes it later.
var ErrStopped = errors.New("stop requested before next stage")

// Collaborator interfaces for the stage sequence. Production bindings
// live in internal/remote and internal/tools; tests substitute fakes.
type Remote interface {
	List(ctx context.Context, prefix string) ([]remote.Object, error)
	Download(ctx context.Context, remotePath, localPath string) error
	Upload(ctx context.Context, localPath, remotePath string) error
}

type Transcoder interface {
	Transcode(ctx context.Context, input, output string, logw io.Writer) error
}

type Sampler interface {
	SampleScenes(ctx context.Context, video, outDir string, logw io.Writer) ([]string, error)
}

type Compressor interface {
	Compress(ctx context.Context, frame, outPath string, logw io.Writer) error
}

type Archiver interface {
	Pack(files []string, archivePath string) error
}

// PermanentError marks an item failure that must not be retried again;
// Class carries the taxonomy bucket for the queue's failure reason.
type PermanentError struct {
	Class Class
	Err   error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// FailureReason renders an error into the reason string stored on a
// failed work item.
func FailureReason(err error) string {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return fmt.Sprintf("%s: %s", perm.Class, truncate(perm.Err.Error(), 300))
	}
	return truncate(err.Error(), 300)
}

// Runner executes one work item through the stage sequence with
// resumable checkpoints and per-stage retry.
type Runner struct {
	Remote     Remote
	Transcoder Transcoder
	Sampler    Sampler
	Compressor Compressor
	Archiver   Archiver

	StateDir            string
	WorkDir             string
	MaxEpisodesPerBatch int
	MaxStageRetries     int
	RetryBackoff        time.Duration
	Logger              *log.Logger

	// Sleep is swapped in tests so retry backoff does not stall them.
	Sleep func(time.Duration)
}

type itemDirs struct {
	root     string
	videos   string
	mkv      string
	frames   string
	webp     string
	archives string
}

// Run executes item from its last persisted checkpoint. Episodes are
// split into batch parts up front and each part runs the full stage
// sequence end to end before the next one starts, so local disk never
// holds more than one part's artifacts. ctx is consulted only between
// stages: a cancellation lets the current stage finish and returns
// ErrStopped before the next one starts.
func (r *Runner) Run(ctx context.Context, item model.WorkItem) error {
	itemKey := store.SanitizeIdentity(item.Identity)
	dirs := itemDirs{root: filepath.Join(r.WorkDir, itemKey)}
	dirs.videos = filepath.Join(dirs.root, "videos")
	dirs.mkv = filepath.Join(dirs.root, "mkv")
	dirs.frames = filepath.Join(dirs.root, "frames")
	dirs.webp = filepath.Join(dirs.root, "webp")
	dirs.archives = filepath.Join(dirs.root, "archives")

	logw, closeLog, err := r.openItemLog(itemKey)
	if err != nil {
		return err
	}
	defer closeLog()

	cp, found, err := store.LoadCheckpoint(r.StateDir, item.Identity)
	if err != nil {
		return err
	}
	if found {
		r.Logger.Printf("pipeline: resuming %s at part %d after stage %q", item.Identity, cp.PartsDone+1, cp.CompletedStage)
	}

	// Episodes are resolved once and pinned so batch planning and frame
	// numbering stay identical across resumes.
	if len(cp.Episodes) == 0 {
		episodes, err := r.resolveEpisodes(ctx, item)
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			return &PermanentError{Class: ClassCorruptInput, Err: fmt.Errorf("no video files found for %s", item.Identity)}
		}
		cp.Identity = item.Identity
		cp.Episodes = episodes
		if cp.LocalPaths == nil {
			cp.LocalPaths = map[string][]string{}
		}
		if err := r.saveCheckpoint(&cp); err != nil {
			return err
		}
	}
	if cp.LocalPaths == nil {
		cp.LocalPaths = map[string][]string{}
	}

	maxPer := r.MaxEpisodesPerBatch
	if maxPer <= 0 {
		maxPer = len(cp.Episodes)
	}
	batches := PlanBatches(item.Identity, cp.Episodes, maxPer)

	for _, b := range batches {
		if b.PartIndex <= cp.PartsDone {
			continue
		}
		if ctx.Err() != nil {
			return ErrStopped
		}
		if err := r.runBatch(ctx, &cp, b, dirs, logw); err != nil {
			return err
		}
		cp.PartsDone = b.PartIndex
		cp.CompletedStage = model.StageNone
		cp.LocalPaths = map[string][]string{}
		if err := r.saveCheckpoint(&cp); err != nil {
			return err
		}
		r.removeBatchArtifacts(dirs)
		r.Logger.Printf("pipeline: %s finished part %d/%d", item.Identity, b.PartIndex, b.PartCount)
	}

	if cp.ArchivesPacked == 0 {
		return &PermanentError{
			Class: ClassCorruptInput,
			Err:   fmt.Errorf("no archives produced for %s: every episode sampled zero frames", item.Identity),
		}
	}

	// The terminal checkpoint stays on disk until the queue records the
	// item as done; a crash in between resumes here and re-runs nothing.
	r.removeWorkTree(dirs.root)
	return nil
}

// runBatch drives one batch part through the remaining stage sequence,
// persisting the checkpoint after every stage.
func (r *Runner) runBatch(ctx context.Context, cp *model.Checkpoint, b model.Batch, dirs itemDirs, logw io.Writer) error {
	for {
		stage, ok := model.NextStage(cp.CompletedStage)
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return ErrStopped
		}

		paths, err := r.runStage(ctx, stage, cp, b, dirs, logw)
		if err != nil {
			return err
		}
		cp.CompletedStage = stage
		cp.LocalPaths[stage] = paths
		if stage == model.StageArchived {
			cp.ArchivesPacked += len(paths)
		}
		if err := r.saveCheckpoint(cp); err != nil {
			return err
		}
		r.Logger.Printf("pipeline: %s part %d/%d completed stage %s (%d artifacts)",
			cp.Identity, b.PartIndex, b.PartCount, stage, len(paths))
	}
}

func (r *Runner) runStage(ctx context.Context, stage string, cp *model.Checkpoint, b model.Batch, dirs itemDirs, logw io.Writer) ([]string, error) {
	// Stage work runs detached from the supervisor context so a stop
	// request never kills a tool mid-flight.
	work := context.WithoutCancel(ctx)

	var fn func() ([]string, error)
	switch stage {
	case model.StageDownloaded:
		fn = func() ([]string, error) { return r.download(work, cp, b, dirs) }
	case model.StageTranscoded:
		fn = func() ([]string, error) { return r.transcode(work, cp, dirs, logw) }
	case model.StageSampled:
		fn = func() ([]string, error) { return r.sample(work, cp, b, dirs, logw) }
	case model.StageCompressed:
		fn = func() ([]string, error) { return r.compress(work, cp, dirs, logw) }
	case model.StageArchived:
		fn = func() ([]string, error) { return r.archive(cp, b, dirs) }
	case model.StageUploaded:
		fn = func() ([]string, error) { return r.upload(work, cp) }
	default:
		return nil, fmt.Errorf("unknown pipeline stage %q", stage)
	}

	var paths []string
	err := r.withRetry(cp.Identity, stage, func() error {
		var err error
		paths, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// withRetry retries transient and tool failures with exponential backoff
// up to MaxStageRetries; corrupt input fails permanently on the first
// attempt.
func (r *Runner) withRetry(identity, stage string, fn func() error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	backoff := r.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm
		}
		class := Classify(err)
		if class == ClassCorruptInput {
			return &PermanentError{Class: class, Err: err}
		}
		if attempt >= r.MaxStageRetries {
			return &PermanentError{Class: class, Err: err}
		}
		r.Logger.Printf("pipeline: %s stage %s attempt %d failed (%s), retrying in %s: %v",
			identity, stage, attempt+1, class, backoff, err)
		sleep(backoff)
		backoff *= 2
	}
}

func (r *Runner) download(ctx context.Context, cp *model.Checkpoint, b model.Batch, dirs itemDirs) ([]string, error) {
	paths := make([]string, 0, len(b.Episodes))
	for _, ep := range b.Episodes {
		local := filepath.Join(dirs.videos, episodeLocalName(cp.Identity, ep))
		if info, err := os.Stat(local); err == nil && info.Size() > 0 {
			paths = append(paths, local) // already fetched by an interrupted attempt
			continue
		}
		if err := r.Remote.Download(ctx, ep, local); err != nil {
			return nil, err
		}
		paths = append(paths, local)
	}
	return paths, nil
}

func (r *Runner) transcode(ctx context.Context, cp *model.Checkpoint, dirs itemDirs, logw io.Writer) ([]string, error) {
	inputs := cp.LocalPaths[model.StageDownloaded]
	paths := make([]string, 0, len(inputs))
	for _, input := range inputs {
		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		output := filepath.Join(dirs.mkv, stem+".mkv")
		if err := r.Transcoder.Transcode(ctx, input, output, logw); err != nil {
			return nil, err
		}
		paths = append(paths, output)
	}
	return paths, nil
}

func (r *Runner) sample(ctx context.Context, cp *model.Checkpoint, b model.Batch, dirs itemDirs, logw io.Writer) ([]string, error) {
	videos := cp.LocalPaths[model.StageTranscoded]
	offset := 0
	if b.PartIndex > 1 {
		offset = (b.PartIndex - 1) * r.MaxEpisodesPerBatch
	}
	paths := make([]string, 0)
	for i, video := range videos {
		outDir := filepath.Join(dirs.frames, episodeTag(offset+i+1))
		frames, err := r.Sampler.SampleScenes(ctx, video, outDir, logw)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			r.Logger.Printf("pipeline: %s episode %d produced no scene frames", cp.Identity, offset+i+1)
		}
		paths = append(paths, frames...)
	}
	return paths, nil
}

func (r *Runner) compress(ctx context.Context, cp *model.Checkpoint, dirs itemDirs, logw io.Writer) ([]string, error) {
	frames := cp.LocalPaths[model.StageSampled]
	paths := make([]string, 0, len(frames))
	for _, frame := range frames {
		tag := filepath.Base(filepath.Dir(frame)) // eNNN directory from the sample stage
		stem := strings.TrimSuffix(filepath.Base(frame), filepath.Ext(frame))
		out := filepath.Join(dirs.webp, tag+"_"+stem+".webp")
		if err := r.Compressor.Compress(ctx, frame, out, logw); err != nil {
			if errors.Is(err, tools.ErrFrameTooLarge) {
				r.Logger.Printf("pipeline: %s skipping oversized frame %s", cp.Identity, filepath.Base(frame))
				continue
			}
			return nil, err
		}
		paths = append(paths, out)
	}
	return paths, nil
}

// archive packs the part's compressed frames into one tar.gz. A part
// whose episodes all sampled zero frames is skipped, not failed; the
// item as a whole fails only when no part produced an archive.
func (r *Runner) archive(cp *model.Checkpoint, b model.Batch, dirs itemDirs) ([]string, error) {
	files := cp.LocalPaths[model.StageCompressed]
	if len(files) == 0 {
		r.Logger.Printf("pipeline: %s part %d/%d has no frames, skipping archive", cp.Identity, b.PartIndex, b.PartCount)
		return []string{}, nil
	}
	archivePath := filepath.Join(dirs.archives, ArchiveName(b))
	if err := r.Archiver.Pack(files, archivePath); err != nil {
		return nil, err
	}
	return []string{archivePath}, nil
}

// upload pushes the part's frame archive and its transcoded MKVs to the
// output repo under the series prefix. Re-uploads after a crash are
// harmless: the hub overwrites on identical paths.
func (r *Runner) upload(ctx context.Context, cp *model.Checkpoint) ([]string, error) {
	seriesKey := store.SanitizeIdentity(cp.Identity)
	uploaded := make([]string, 0)
	for _, a := range cp.LocalPaths[model.StageArchived] {
		remotePath := path.Join(seriesKey, filepath.Base(a))
		if err := r.Remote.Upload(ctx, a, remotePath); err != nil {
			return nil, err
		}
		uploaded = append(uploaded, remotePath)
	}
	for _, m := range cp.LocalPaths[model.StageTranscoded] {
		remotePath := path.Join(seriesKey, "mkv", filepath.Base(m))
		if err := r.Remote.Upload(ctx, m, remotePath); err != nil {
			return nil, err
		}
		uploaded = append(uploaded, remotePath)
	}
	return uploaded, nil
}

// removeBatchArtifacts frees the work subdirectories between parts. A
// failure here costs disk, not correctness.
func (r *Runner) removeBatchArtifacts(dirs itemDirs) {
	for _, d := range []string{dirs.videos, dirs.mkv, dirs.frames, dirs.webp, dirs.archives} {
		if err := os.RemoveAll(d); err != nil {
			r.Logger.Printf("pipeline: remove %s failed (non-fatal): %v", d, err)
		}
	}
}

// removeWorkTree removes the item's work directory after the final
// part. It is retried on its own and never fails the item.
func (r *Runner) removeWorkTree(itemRoot string) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.RemoveAll(itemRoot); err == nil {
			return
		}
		sleep(time.Second)
	}
	r.Logger.Printf("pipeline: cleanup of %s failed (non-fatal): %v", itemRoot, err)
}

func (r *Runner) resolveEpisodes(ctx context.Context, item model.WorkItem) ([]string, error) {
	if item.Kind == model.KindSingleFile {
		return []string{item.Identity}, nil
	}

	var episodes []string
	err := r.withRetry(item.Identity, "resolve", func() error {
		objects, err := r.Remote.List(context.WithoutCancel(ctx), item.Identity+"/")
		if err != nil {
			return err
		}
		episodes = episodes[:0]
		for _, obj := range objects {
			if isVideoFile(obj.Name) {
				episodes = append(episodes, obj.Name)
			}
		}
		sort.Strings(episodes)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return episodes, nil
}

func (r *Runner) saveCheckpoint(cp *model.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := store.SaveCheckpoint(r.StateDir, *cp); err != nil {
		return fmt.Errorf("persist checkpoint for %s: %w", cp.Identity, err)
	}
	return nil
}

func (r *Runner) openItemLog(itemKey string) (io.Writer, func(), error) {
	logsDir := store.LogsDir(r.StateDir)
	if err := store.Mkdir(logsDir); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(logsDir, itemKey+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open item log %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

var videoExtensions = map[string]struct{}{
	"mp4": {}, "mkv": {}, "webm": {}, "m4v": {},
	"mov": {}, "avi": {}, "flv": {}, "ts": {},
}

func isVideoFile(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	_, ok := videoExtensions[ext]
	return ok
}

func episodeTag(index int) string {
	return fmt.Sprintf("e%03d", index)
}

// episodeLocalName flattens an episode's remote path (minus the item
// prefix) into a local file name, so nested episodes that share a base
// name never collide on disk.
func episodeLocalName(identity, ep string) string {
	rel := strings.Trim(strings.TrimPrefix(ep, identity), "/")
	if rel == "" {
		rel = path.Base(ep)
	}
	return store.SanitizeIdentity(rel)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
