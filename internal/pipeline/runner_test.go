package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anipipe/internal/model"
	"anipipe/internal/remote"
	"anipipe/internal/store"
	"anipipe/internal/tools"
)

// fakeCollaborators backs every Runner dependency and records calls so
// tests can assert which stages actually ran, and in what order.
type fakeCollaborators struct {
	listObjects []remote.Object
	listErr     error

	downloadErrs map[string]error // keyed by remote path, consumed once
	downloads    []string
	transcodes   []string
	samples      []string
	compresses   []string
	packs        [][]string
	archives     []string
	uploads      []string
	ops          []string

	transcodeErr error
	compressErr  map[string]error // keyed by frame base name
	framesPerEp  int              // 0 means 2; negative means none
}

func (f *fakeCollaborators) List(ctx context.Context, prefix string) ([]remote.Object, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listObjects, nil
}

func (f *fakeCollaborators) Download(ctx context.Context, remotePath, localPath string) error {
	if err, ok := f.downloadErrs[remotePath]; ok {
		delete(f.downloadErrs, remotePath)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(localPath, []byte("video bytes"), 0o644); err != nil {
		return err
	}
	f.downloads = append(f.downloads, remotePath)
	f.ops = append(f.ops, "download "+remotePath)
	return nil
}

func (f *fakeCollaborators) Upload(ctx context.Context, localPath, remotePath string) error {
	f.uploads = append(f.uploads, remotePath)
	f.ops = append(f.ops, "upload "+remotePath)
	return nil
}

func (f *fakeCollaborators) Transcode(ctx context.Context, input, output string, logw io.Writer) error {
	if f.transcodeErr != nil {
		return f.transcodeErr
	}
	f.transcodes = append(f.transcodes, input)
	return nil
}

func (f *fakeCollaborators) SampleScenes(ctx context.Context, video, outDir string, logw io.Writer) ([]string, error) {
	f.samples = append(f.samples, video)
	n := f.framesPerEp
	if n == 0 {
		n = 2
	}
	frames := make([]string, 0)
	for i := 1; i <= n; i++ {
		frames = append(frames, filepath.Join(outDir, fmt.Sprintf("scene_%05d.png", i)))
	}
	return frames, nil
}

func (f *fakeCollaborators) Compress(ctx context.Context, frame, outPath string, logw io.Writer) error {
	if err, ok := f.compressErr[filepath.Base(frame)]; ok {
		return err
	}
	f.compresses = append(f.compresses, frame)
	return nil
}

func (f *fakeCollaborators) Pack(files []string, archivePath string) error {
	packed := make([]string, len(files))
	copy(packed, files)
	f.packs = append(f.packs, packed)
	f.archives = append(f.archives, filepath.Base(archivePath))
	return nil
}

func (f *fakeCollaborators) opIndex(op string) int {
	for i, o := range f.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func newTestRunner(t *testing.T, fakes *fakeCollaborators) *Runner {
	t.Helper()
	return &Runner{
		Remote:              fakes,
		Transcoder:          fakes,
		Sampler:             fakes,
		Compressor:          fakes,
		Archiver:            fakes,
		StateDir:            t.TempDir(),
		WorkDir:             t.TempDir(),
		MaxEpisodesPerBatch: 30,
		MaxStageRetries:     2,
		RetryBackoff:        time.Millisecond,
		Logger:              log.New(io.Discard, "", 0),
		Sleep:               func(time.Duration) {},
	}
}

func folderItem(identity string) model.WorkItem {
	return model.WorkItem{Identity: identity, Kind: model.KindFolder, State: model.StateInProgress}
}

func TestRunFullSequence(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{
			{Name: "series-a/ep1.mp4", Size: 10},
			{Name: "series-a/ep2.mkv", Size: 20},
			{Name: "series-a/notes.txt", Size: 1}, // not a video, ignored
		},
	}
	r := newTestRunner(t, fakes)

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fakes.downloads) != 2 {
		t.Fatalf("downloads = %v, want 2 episodes", fakes.downloads)
	}
	if len(fakes.transcodes) != 2 || len(fakes.samples) != 2 {
		t.Fatalf("transcodes=%d samples=%d, want 2,2", len(fakes.transcodes), len(fakes.samples))
	}
	if len(fakes.compresses) != 4 {
		t.Fatalf("compresses = %d, want 4 (2 episodes x 2 frames)", len(fakes.compresses))
	}
	if len(fakes.packs) != 1 {
		t.Fatalf("packs = %d, want 1 batch", len(fakes.packs))
	}

	// both the frame archive and the transcoded MKVs leave the machine
	wantUploads := []string{
		"series-a/series-a.tar.gz",
		"series-a/mkv/ep1.mkv",
		"series-a/mkv/ep2.mkv",
	}
	if len(fakes.uploads) != len(wantUploads) {
		t.Fatalf("uploads = %v, want %v", fakes.uploads, wantUploads)
	}
	for i, want := range wantUploads {
		if fakes.uploads[i] != want {
			t.Fatalf("uploads[%d] = %q, want %q", i, fakes.uploads[i], want)
		}
	}

	// success leaves a terminal checkpoint behind; the queue clears it
	// once the item is recorded done
	cp, found, err := store.LoadCheckpoint(r.StateDir, "series-a")
	if err != nil || !found {
		t.Fatalf("terminal checkpoint: found=%v err=%v", found, err)
	}
	if cp.PartsDone != 1 || cp.CompletedStage != model.StageNone || cp.ArchivesPacked != 1 {
		t.Fatalf("terminal checkpoint = %+v", cp)
	}
	if _, err := os.Stat(filepath.Join(r.WorkDir, "series-a")); !os.IsNotExist(err) {
		t.Fatalf("work directory survived cleanup: %v", err)
	}
}

func TestRunKeepsNestedEpisodesDistinct(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{
			{Name: "series-a/Season1/ep01.mp4", Size: 10},
			{Name: "series-a/Season2/ep01.mp4", Size: 10},
		},
	}
	r := newTestRunner(t, fakes)

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fakes.downloads) != 2 {
		t.Fatalf("downloads = %v, want both season episodes fetched", fakes.downloads)
	}
	locals := map[string]bool{}
	for _, in := range fakes.transcodes {
		locals[filepath.Base(in)] = true
	}
	if len(locals) != 2 {
		t.Fatalf("transcode inputs collide: %v", fakes.transcodes)
	}
	if !locals["Season1_ep01.mp4"] || !locals["Season2_ep01.mp4"] {
		t.Fatalf("local names = %v, want season-prefixed files", locals)
	}
	mkvs := map[string]bool{}
	for _, up := range fakes.uploads {
		if strings.Contains(up, "/mkv/") {
			mkvs[up] = true
		}
	}
	if len(mkvs) != 2 {
		t.Fatalf("mkv uploads = %v, want 2 distinct names", fakes.uploads)
	}
}

func TestRunProcessesPartsSequentially(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{
			{Name: "series-a/ep1.mp4", Size: 10},
			{Name: "series-a/ep2.mp4", Size: 10},
			{Name: "series-a/ep3.mp4", Size: 10},
		},
	}
	r := newTestRunner(t, fakes)
	r.MaxEpisodesPerBatch = 2

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fakes.archives) != 2 {
		t.Fatalf("archives = %v, want 2 parts", fakes.archives)
	}
	if fakes.archives[0] != "series-a_part01of02.tar.gz" || fakes.archives[1] != "series-a_part02of02.tar.gz" {
		t.Fatalf("archive names = %v", fakes.archives)
	}

	// part 1 finishes its whole stage sequence, upload included, before
	// part 2 touches the network: local disk holds one part at a time
	firstUpload := fakes.opIndex("upload series-a/series-a_part01of02.tar.gz")
	thirdDownload := fakes.opIndex("download series-a/ep3.mp4")
	if firstUpload < 0 || thirdDownload < 0 {
		t.Fatalf("ops missing expected entries: %v", fakes.ops)
	}
	if firstUpload > thirdDownload {
		t.Fatalf("part 2 downloaded before part 1 uploaded: %v", fakes.ops)
	}

	// frame numbering is global across parts
	for _, files := range fakes.packs[1] {
		if !strings.HasPrefix(filepath.Base(files), "e003_") {
			t.Fatalf("part 2 frame %q not numbered after part 1", files)
		}
	}
}

func TestRunResumesSkippingFinishedParts(t *testing.T) {
	fakes := &fakeCollaborators{}
	r := newTestRunner(t, fakes)
	r.MaxEpisodesPerBatch = 2

	cp := model.Checkpoint{
		Identity:       "series-a",
		PartsDone:      1,
		ArchivesPacked: 1,
		Episodes:       []string{"series-a/ep1.mp4", "series-a/ep2.mp4", "series-a/ep3.mp4", "series-a/ep4.mp4"},
		LocalPaths:     map[string][]string{},
	}
	if err := store.SaveCheckpoint(r.StateDir, cp); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// part 1 is never touched again
	if len(fakes.downloads) != 2 {
		t.Fatalf("downloads = %v, want only part 2 episodes", fakes.downloads)
	}
	for _, d := range fakes.downloads {
		if d == "series-a/ep1.mp4" || d == "series-a/ep2.mp4" {
			t.Fatalf("finished part re-downloaded: %v", fakes.downloads)
		}
	}
	if len(fakes.archives) != 1 || fakes.archives[0] != "series-a_part02of02.tar.gz" {
		t.Fatalf("archives = %v, want only part 2", fakes.archives)
	}
}

func TestRunResumesAfterCheckpoint(t *testing.T) {
	fakes := &fakeCollaborators{}
	r := newTestRunner(t, fakes)

	cp := model.Checkpoint{
		Identity:       "series-a",
		CompletedStage: model.StageTranscoded,
		Episodes:       []string{"series-a/ep1.mp4", "series-a/ep2.mkv"},
		LocalPaths: map[string][]string{
			model.StageDownloaded: {"/work/ep1.mp4", "/work/ep2.mkv"},
			model.StageTranscoded: {"/work/ep1.mkv", "/work/ep2.mkv"},
		},
	}
	if err := store.SaveCheckpoint(r.StateDir, cp); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// completed stages never re-run
	if len(fakes.downloads) != 0 || len(fakes.transcodes) != 0 {
		t.Fatalf("resumed item repeated early stages: downloads=%v transcodes=%v", fakes.downloads, fakes.transcodes)
	}
	if len(fakes.samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(fakes.samples))
	}
	if len(fakes.uploads) != 3 {
		t.Fatalf("uploads = %v, want archive plus 2 MKVs", fakes.uploads)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects:  []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
		downloadErrs: map[string]error{"series-a/ep1.mp4": errors.New("connection reset by peer")},
	}
	r := newTestRunner(t, fakes)

	var slept []time.Duration
	r.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run after transient failure: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("retry slept %d times, want 1", len(slept))
	}
	if len(fakes.downloads) != 1 {
		t.Fatalf("downloads = %v, want 1 successful fetch", fakes.downloads)
	}
}

func TestRunCorruptInputFailsWithoutRetry(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects:  []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
		transcodeErr: errors.New("ffmpeg: Invalid data found when processing input"),
	}
	r := newTestRunner(t, fakes)

	var slept int
	r.Sleep = func(time.Duration) { slept++ }

	err := r.Run(context.Background(), folderItem("series-a"))
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("Run error = %v, want PermanentError", err)
	}
	if perm.Class != ClassCorruptInput {
		t.Fatalf("class = %v, want %v", perm.Class, ClassCorruptInput)
	}
	if slept != 0 {
		t.Fatalf("corrupt input slept %d times before failing", slept)
	}

	// the checkpoint survives a failure so an operator requeue resumes
	cp, found, err := store.LoadCheckpoint(r.StateDir, "series-a")
	if err != nil || !found {
		t.Fatalf("checkpoint after failure: found=%v err=%v", found, err)
	}
	if cp.CompletedStage != model.StageDownloaded || cp.PartsDone != 0 {
		t.Fatalf("checkpoint = %+v, want part 1 after download", cp)
	}
}

func TestRunRetriesExhaustToolFailure(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects:  []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
		transcodeErr: errors.New("ffmpeg exited with status 1"),
	}
	r := newTestRunner(t, fakes)
	r.MaxStageRetries = 2

	var slept int
	r.Sleep = func(time.Duration) { slept++ }

	err := r.Run(context.Background(), folderItem("series-a"))
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("Run error = %v, want PermanentError", err)
	}
	if perm.Class != ClassToolFailure {
		t.Fatalf("class = %v, want %v", perm.Class, ClassToolFailure)
	}
	if slept != 2 {
		t.Fatalf("slept %d times, want 2 retries", slept)
	}
}

func TestRunStopsBetweenStages(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
	}
	r := newTestRunner(t, fakes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, folderItem("series-a")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run = %v, want ErrStopped", err)
	}
	if len(fakes.downloads) != 0 {
		t.Fatalf("stage ran after stop: %v", fakes.downloads)
	}

	// the pinned episode list is persisted so the resume is deterministic
	cp, found, err := store.LoadCheckpoint(r.StateDir, "series-a")
	if err != nil || !found {
		t.Fatalf("checkpoint: found=%v err=%v", found, err)
	}
	if len(cp.Episodes) != 1 || cp.CompletedStage != model.StageNone || cp.PartsDone != 0 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestRunEmptyFolderIsCorruptInput(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{{Name: "series-a/readme.txt", Size: 1}},
	}
	r := newTestRunner(t, fakes)

	err := r.Run(context.Background(), folderItem("series-a"))
	var perm *PermanentError
	if !errors.As(err, &perm) || perm.Class != ClassCorruptInput {
		t.Fatalf("Run = %v, want corrupt_input PermanentError", err)
	}
}

func TestRunFailsWhenNoFramesSampled(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
		framesPerEp: -1,
	}
	r := newTestRunner(t, fakes)

	err := r.Run(context.Background(), folderItem("series-a"))
	var perm *PermanentError
	if !errors.As(err, &perm) || perm.Class != ClassCorruptInput {
		t.Fatalf("Run = %v, want corrupt_input PermanentError", err)
	}
	// the MKV output was still delivered before the item failed
	if len(fakes.uploads) != 1 || fakes.uploads[0] != "series-a/mkv/ep1.mkv" {
		t.Fatalf("uploads = %v, want the transcoded MKV", fakes.uploads)
	}
}

func TestRunSkipsOversizedFrames(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{{Name: "series-a/ep1.mp4", Size: 10}},
		framesPerEp: 3,
		compressErr: map[string]error{"scene_00002.png": tools.ErrFrameTooLarge},
	}
	r := newTestRunner(t, fakes)

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fakes.compresses) != 2 {
		t.Fatalf("compresses = %d, want 2 (one frame skipped)", len(fakes.compresses))
	}
	if len(fakes.packs) != 1 || len(fakes.packs[0]) != 2 {
		t.Fatalf("packs = %v, want one archive of 2 frames", fakes.packs)
	}
}

func TestRunSingleFileItemSkipsListing(t *testing.T) {
	fakes := &fakeCollaborators{
		listErr: errors.New("listing must not be called for single files"),
	}
	r := newTestRunner(t, fakes)

	item := model.WorkItem{Identity: "movie-x.mp4", Kind: model.KindSingleFile, State: model.StateInProgress}
	if err := r.Run(context.Background(), item); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fakes.downloads) != 1 || fakes.downloads[0] != "movie-x.mp4" {
		t.Fatalf("downloads = %v", fakes.downloads)
	}
}

func TestRunSkipsAlreadyDownloadedFiles(t *testing.T) {
	fakes := &fakeCollaborators{
		listObjects: []remote.Object{
			{Name: "series-a/ep1.mp4", Size: 10},
			{Name: "series-a/ep2.mp4", Size: 10},
		},
	}
	r := newTestRunner(t, fakes)

	// a prior interrupted attempt left ep1 on disk
	existing := filepath.Join(r.WorkDir, "series-a", "videos", "ep1.mp4")
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("already here"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), folderItem("series-a")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fakes.downloads) != 1 || fakes.downloads[0] != "series-a/ep2.mp4" {
		t.Fatalf("downloads = %v, want only ep2", fakes.downloads)
	}
}
