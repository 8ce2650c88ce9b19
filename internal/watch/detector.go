package watch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"anipipe/internal/model"
	"anipipe/internal/remote"
	"anipipe/internal/store"
)

// Lister is the slice of the remote store the detector needs.
type Lister interface {
	List(ctx context.Context, prefix string) ([]remote.Object, error)
}

// Detector watches the remote folder listing and decides which folders
// have finished uploading: a folder is stable once its content signature
// has not changed for the stability window.
type Detector struct {
	lister Lister
	path   string
	window time.Duration
	minAge time.Duration
	logger *log.Logger
	now    func() time.Time

	state model.StabilityState
}

// NewDetector loads persisted stability records from statePath. minAge is
// the scan interval: a folder observed for the first time less than one
// interval ago is never promoted, however old its signature looks.
func NewDetector(lister Lister, statePath string, window, minAge time.Duration, logger *log.Logger) (*Detector, error) {
	d := &Detector{
		lister: lister,
		path:   statePath,
		window: window,
		minAge: minAge,
		logger: logger,
		now:    time.Now,
	}
	if _, err := os.Stat(statePath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat stability state %s: %w", statePath, err)
		}
		d.state = model.StabilityState{SchemaVersion: 1, Folders: map[string]model.StabilityRecord{}}
		return d, nil
	}
	if err := store.ReadJSON(statePath, &d.state); err != nil {
		return nil, fmt.Errorf("stability state is corrupt: %w", err)
	}
	if d.state.Folders == nil {
		d.state.Folders = map[string]model.StabilityRecord{}
	}
	return d, nil
}

// Scan lists the remote store, recomputes per-folder signatures and
// updates the persisted records. A signature change resets the folder's
// stability timer; an unchanged signature leaves the record as it was. A
// listing error leaves every record untouched and is retried on the next
// scan.
func (d *Detector) Scan(ctx context.Context) error {
	objects, err := d.lister.List(ctx, "")
	if err != nil {
		return fmt.Errorf("remote listing failed: %w", err)
	}

	now := d.now().UTC()
	stamp := now.Format(time.RFC3339)
	byFolder := groupByFolder(objects)

	for folder, files := range byFolder {
		sig := folderSignature(files)
		count := len(files)
		var total int64
		for _, f := range files {
			total += f.Size
		}

		rec, seen := d.state.Folders[folder]
		switch {
		case !seen:
			d.state.Folders[folder] = model.StabilityRecord{
				FolderID:      folder,
				Signature:     sig,
				FileCount:     count,
				TotalSize:     total,
				FirstSeenAt:   stamp,
				LastChangedAt: stamp,
			}
			d.logger.Printf("watch: new folder %s (%d files)", folder, count)
		case rec.Signature != sig:
			rec.Signature = sig
			rec.FileCount = count
			rec.TotalSize = total
			rec.LastChangedAt = stamp
			d.state.Folders[folder] = rec
			d.logger.Printf("watch: folder changed %s (%d files)", folder, count)
		}
	}

	// A folder that vanished from the listing is dropped; if it is
	// re-uploaded later it starts a fresh stability timer.
	for folder := range d.state.Folders {
		if _, ok := byFolder[folder]; !ok {
			delete(d.state.Folders, folder)
			d.logger.Printf("watch: folder removed remotely %s", folder)
		}
	}

	d.state.LastScanAt = stamp
	return d.persist()
}

// Stable returns records for folders whose signature has been unchanged
// for at least the stability window and which were first observed at
// least one scan interval ago, ordered by folder id.
func (d *Detector) Stable() []model.StabilityRecord {
	now := d.now().UTC()
	out := make([]model.StabilityRecord, 0)
	for _, rec := range d.state.Folders {
		if rec.FileCount == 0 {
			continue
		}
		changed, err := time.Parse(time.RFC3339, rec.LastChangedAt)
		if err != nil {
			continue
		}
		first, err := time.Parse(time.RFC3339, rec.FirstSeenAt)
		if err != nil {
			continue
		}
		if now.Sub(changed) < d.window {
			continue
		}
		if now.Sub(first) < d.minAge {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out
}

// All returns every tracked record, for the one-shot bootstrap scan and
// status reporting.
func (d *Detector) All() []model.StabilityRecord {
	out := make([]model.StabilityRecord, 0, len(d.state.Folders))
	for _, rec := range d.state.Folders {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out
}

// Forget drops a folder's record once it has been promoted to a work
// item; the queue's dedup keeps a re-appearing folder from being
// processed twice.
func (d *Detector) Forget(folderID string) error {
	if _, ok := d.state.Folders[folderID]; !ok {
		return nil
	}
	delete(d.state.Folders, folderID)
	return d.persist()
}

func (d *Detector) persist() error {
	if err := store.WriteJSON(d.path, d.state); err != nil {
		return fmt.Errorf("persist stability state: %w", err)
	}
	return nil
}

// SetClock replaces the detector's time source. Tests advance a simulated
// clock instead of sleeping through stability windows.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

func groupByFolder(objects []remote.Object) map[string][]remote.Object {
	byFolder := make(map[string][]remote.Object)
	for _, obj := range objects {
		name := strings.Trim(obj.Name, "/")
		i := strings.Index(name, "/")
		if i <= 0 {
			continue // root-level files do not belong to a folder
		}
		folder := name[:i]
		byFolder[folder] = append(byFolder[folder], obj)
	}
	return byFolder
}

// folderSignature hashes the sorted path:size:mtime lines plus the file
// count, so a folder deleted and re-uploaded with identical aggregate
// totals still reads as changed.
func folderSignature(files []remote.Object) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s:%d:%d", f.Name, f.Size, f.ModTime.Unix()))
	}
	sort.Strings(lines)
	h := sha256.New()
	fmt.Fprintf(h, "%d\n", len(lines))
	for _, line := range lines {
		fmt.Fprintln(h, line)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
