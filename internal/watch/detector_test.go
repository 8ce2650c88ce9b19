package watch

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"anipipe/internal/remote"
)

type fakeLister struct {
	objects []remote.Object
	err     error
}

func (f *fakeLister) List(ctx context.Context, prefix string) ([]remote.Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.objects, nil
}

func newTestDetector(t *testing.T, lister *fakeLister) (*Detector, *time.Time) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "stability.json")
	logger := log.New(io.Discard, "", 0)
	d, err := NewDetector(lister, statePath, 10*time.Minute, 5*time.Minute, logger)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return clock })
	return d, &clock
}

func obj(name string, size int64, mod time.Time) remote.Object {
	return remote.Object{Name: name, Size: size, ModTime: mod}
}

func TestScanTracksNewFolders(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{
		obj("series-a/ep1.mkv", 100, mod),
		obj("series-a/ep2.mkv", 200, mod),
		obj("series-b/ep1.mkv", 50, mod),
		obj("readme.txt", 1, mod), // root files are not a folder
	}}
	d, _ := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	all := d.All()
	if len(all) != 2 {
		t.Fatalf("tracked folders = %d, want 2", len(all))
	}
	if all[0].FolderID != "series-a" || all[0].FileCount != 2 || all[0].TotalSize != 300 {
		t.Fatalf("series-a record: %+v", all[0])
	}
	if len(d.Stable()) != 0 {
		t.Fatal("freshly seen folder reported stable")
	}
}

func TestStableAfterWindowElapses(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, clock := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// just inside the window: not yet stable
	*clock = clock.Add(9 * time.Minute)
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.Stable()) != 0 {
		t.Fatal("folder stable before the window elapsed")
	}

	*clock = clock.Add(2 * time.Minute)
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	stable := d.Stable()
	if len(stable) != 1 || stable[0].FolderID != "series-a" {
		t.Fatalf("stable = %+v, want series-a", stable)
	}
}

func TestSignatureChangeResetsTimer(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, clock := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a new episode lands nine minutes in
	*clock = clock.Add(9 * time.Minute)
	lister.objects = append(lister.objects, obj("series-a/ep2.mkv", 100, mod))
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// eleven minutes after first sight, but only two after the change
	*clock = clock.Add(2 * time.Minute)
	if len(d.Stable()) != 0 {
		t.Fatal("folder stable right after a content change")
	}

	*clock = clock.Add(10 * time.Minute)
	if len(d.Stable()) != 1 {
		t.Fatal("folder not stable once the timer ran out again")
	}
}

func TestSameTotalsDifferentFilesReadsAsChanged(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, clock := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := d.All()[0]

	// same count and size, different name
	*clock = clock.Add(time.Minute)
	lister.objects = []remote.Object{obj("series-a/ep1-final.mkv", 100, mod)}
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := d.All()[0]
	if second.Signature == first.Signature {
		t.Fatal("signature unchanged for a renamed file")
	}
	if second.LastChangedAt == first.LastChangedAt {
		t.Fatal("stability timer not reset on rename")
	}
}

func TestListingErrorLeavesRecordsIntact(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, clock := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	lister.err = errors.New("remote listing timed out")
	*clock = clock.Add(11 * time.Minute)
	if err := d.Scan(context.Background()); err == nil {
		t.Fatal("Scan swallowed the listing error")
	}
	// the record survives and becomes stable by clock alone
	if len(d.Stable()) != 1 {
		t.Fatal("record lost after a failed scan")
	}
}

func TestVanishedFolderIsDropped(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, clock := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(time.Minute)
	lister.objects = nil
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.All()) != 0 {
		t.Fatal("vanished folder still tracked")
	}
}

func TestForgetRemovesRecord(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	d, _ := newTestDetector(t, lister)

	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Forget("series-a"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if len(d.All()) != 0 {
		t.Fatal("forgotten folder still tracked")
	}
	// forgetting twice is a no-op
	if err := d.Forget("series-a"); err != nil {
		t.Fatalf("second Forget: %v", err)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	mod := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{objects: []remote.Object{obj("series-a/ep1.mkv", 100, mod)}}
	statePath := filepath.Join(t.TempDir(), "stability.json")
	logger := log.New(io.Discard, "", 0)

	d, err := NewDetector(lister, statePath, 10*time.Minute, 5*time.Minute, logger)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return start })
	if err := d.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a new detector over the same state file picks up where we left off
	reloaded, err := NewDetector(lister, statePath, 10*time.Minute, 5*time.Minute, logger)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	reloaded.SetClock(func() time.Time { return start.Add(11 * time.Minute) })
	if len(reloaded.Stable()) != 1 {
		t.Fatal("stability timer lost across reload")
	}
}
