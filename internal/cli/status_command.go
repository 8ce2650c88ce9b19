package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"anipipe/internal/model"
	"anipipe/internal/store"
)

type statusReport struct {
	Queue     model.QueueManifest  `json:"queue"`
	Stability model.StabilityState `json:"stability"`
}

// runStatus is read-only: it loads the persisted state files directly
// instead of opening the queue, so it never requeues orphans or takes
// the state lock while a supervisor is running.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg := env.cfg

	var report statusReport
	report.Queue = model.QueueManifest{Items: []model.WorkItem{}}
	if err := readOptionalJSON(store.QueuePath(cfg.StateDir), &report.Queue); err != nil {
		return err
	}
	report.Stability = model.StabilityState{Folders: map[string]model.StabilityRecord{}}
	if err := readOptionalJSON(store.StabilityPath(cfg.StateDir), &report.Stability); err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("queue: %d pending, %d in progress, %d done, %d failed (updated %s)\n",
		report.Queue.Pending, report.Queue.InProgress, report.Queue.Done, report.Queue.Failed,
		relativeOrNever(report.Queue.UpdatedAt))

	if len(report.Queue.Items) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"IDENTITY", "KIND", "STATE", "SIZE", "FILES", "DISCOVERED", "REASON"})
		for _, it := range report.Queue.Items {
			t.AppendRow(table.Row{
				it.Identity,
				it.Kind,
				it.State,
				humanize.IBytes(uint64(it.SizeHint)),
				it.EpisodeCount,
				relativeOrNever(it.DiscoveredAt),
				firstNonEmpty(it.Reason, it.LastError),
			})
		}
		t.Render()
	}

	if len(report.Stability.Folders) > 0 {
		fmt.Printf("\nsettling folders (last scan %s):\n", relativeOrNever(report.Stability.LastScanAt))
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"FOLDER", "FILES", "SIZE", "FIRST SEEN", "LAST CHANGE"})
		for _, rec := range sortedRecords(report.Stability.Folders) {
			t.AppendRow(table.Row{
				rec.FolderID,
				rec.FileCount,
				humanize.IBytes(uint64(rec.TotalSize)),
				relativeOrNever(rec.FirstSeenAt),
				relativeOrNever(rec.LastChangedAt),
			})
		}
		t.Render()
	}
	return nil
}

func readOptionalJSON(path string, v any) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return store.ReadJSON(path, v)
}

func relativeOrNever(stamp string) string {
	if stamp == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedRecords(folders map[string]model.StabilityRecord) []model.StabilityRecord {
	out := make([]model.StabilityRecord, 0, len(folders))
	for _, rec := range folders {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out
}
