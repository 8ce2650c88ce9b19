package store

import (
	"os"
	"path/filepath"
	"testing"

	"anipipe/internal/model"
)

func TestWriteJSONReadJSONRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "queue.json")

	want := model.QueueManifest{SchemaVersion: 1, Items: []model.WorkItem{{Identity: "a", State: model.StatePending}}}
	if err := WriteJSON(path, want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got model.QueueManifest
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Identity != "a" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory holds %d entries, want 1", len(entries))
	}
}

func TestSanitizeIdentity(t *testing.T) {
	cases := map[string]string{
		"My Show/Season 1": "My_Show_Season_1",
		"动画系列":             "unknown",
		"plain-name_ok.v2": "plain-name_ok.v2",
		"  ":               "unknown",
	}
	for in, want := range cases {
		if got := SanitizeIdentity(in); got != want {
			t.Fatalf("SanitizeIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	stateDir := t.TempDir()

	if _, found, err := LoadCheckpoint(stateDir, "series-a"); err != nil || found {
		t.Fatalf("missing checkpoint: found=%v err=%v, want false,nil", found, err)
	}

	cp := model.Checkpoint{
		Identity:       "series-a",
		PartsDone:      1,
		CompletedStage: model.StageTranscoded,
		ArchivesPacked: 1,
		Episodes:       []string{"series-a/ep1.mkv"},
		LocalPaths:     map[string][]string{model.StageDownloaded: {"/tmp/ep1.mkv"}},
	}
	if err := SaveCheckpoint(stateDir, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, found, err := LoadCheckpoint(stateDir, "series-a")
	if err != nil || !found {
		t.Fatalf("LoadCheckpoint: found=%v err=%v", found, err)
	}
	if got.CompletedStage != model.StageTranscoded || got.PartsDone != 1 || got.ArchivesPacked != 1 {
		t.Fatalf("reloaded checkpoint = %+v", got)
	}

	if err := ClearCheckpoint(stateDir, "series-a"); err != nil {
		t.Fatalf("ClearCheckpoint: %v", err)
	}
	if _, found, _ := LoadCheckpoint(stateDir, "series-a"); found {
		t.Fatal("checkpoint still present after clear")
	}
	// clearing twice is fine
	if err := ClearCheckpoint(stateDir, "series-a"); err != nil {
		t.Fatalf("second ClearCheckpoint: %v", err)
	}
}

func TestLoadCheckpointRejectsUnknownStage(t *testing.T) {
	stateDir := t.TempDir()
	path := CheckpointPath(stateDir, "series-a")
	if err := WriteBytes(path, []byte(`{"identity":"series-a","completed_stage":"zipped"}`)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadCheckpoint(stateDir, "series-a"); err == nil {
		t.Fatal("expected unknown stage to be rejected")
	}
}
