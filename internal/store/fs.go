package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anipipe/internal/model"
)

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// WriteBytes writes data atomically via a temp file and rename so a crash
// mid-write never leaves a truncated state file behind.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".anipipe-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

func QueuePath(stateDir string) string {
	return filepath.Join(stateDir, "queue.json")
}

func StabilityPath(stateDir string) string {
	return filepath.Join(stateDir, "stability.json")
}

func LogsDir(stateDir string) string {
	return filepath.Join(stateDir, "logs")
}

func CheckpointPath(stateDir, identity string) string {
	return filepath.Join(stateDir, "checkpoints", SanitizeIdentity(identity)+".json")
}

// SanitizeIdentity maps an item identity (usually a remote folder path)
// to a safe flat file name.
func SanitizeIdentity(identity string) string {
	s := strings.TrimSpace(identity)
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '-' || r == '_' || r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	trimmed := strings.Trim(string(out), "._")
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// LoadCheckpoint returns the persisted checkpoint for identity. A missing
// checkpoint is not an error: found is false and a zero checkpoint is
// returned.
func LoadCheckpoint(stateDir, identity string) (model.Checkpoint, bool, error) {
	path := CheckpointPath(stateDir, identity)
	var cp model.Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Checkpoint{Identity: identity}, false, nil
		}
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if !model.IsKnownStage(cp.CompletedStage) {
		return model.Checkpoint{}, false, fmt.Errorf("checkpoint %s holds unknown stage %q", path, cp.CompletedStage)
	}
	return cp, true, nil
}

func SaveCheckpoint(stateDir string, cp model.Checkpoint) error {
	return WriteJSON(CheckpointPath(stateDir, cp.Identity), cp)
}

func ClearCheckpoint(stateDir, identity string) error {
	path := CheckpointPath(stateDir, identity)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint %s: %w", path, err)
	}
	return nil
}
