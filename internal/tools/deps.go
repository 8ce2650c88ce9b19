package tools

import (
	"fmt"
	"os/exec"
	"strings"
)

type DependencyReport struct {
	FFmpegFound     bool   `json:"ffmpeg_found"`
	FFmpegPath      string `json:"ffmpeg_path,omitempty"`
	CwebpFound      bool   `json:"cwebp_found"`
	CwebpPath       string `json:"cwebp_path,omitempty"`
	ModelScopeFound bool   `json:"modelscope_found"`
	ModelScopePath  string `json:"modelscope_path,omitempty"`
}

// DependencyStatus probes PATH for the external tools the pipeline
// shells out to. cwebpBinary may be a configured absolute path.
func DependencyStatus(cwebpBinary string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	cwebp := strings.TrimSpace(cwebpBinary)
	if cwebp == "" {
		cwebp = "cwebp"
	}
	if path, err := exec.LookPath(cwebp); err == nil {
		report.CwebpFound = true
		report.CwebpPath = path
	}
	if path, err := exec.LookPath("modelscope"); err == nil {
		report.ModelScopeFound = true
		report.ModelScopePath = path
	}
	return report
}

func CheckDependencies(cwebpBinary string) error {
	report := DependencyStatus(cwebpBinary)
	missing := []string{}
	if !report.FFmpegFound {
		missing = append(missing, "ffmpeg")
	}
	if !report.CwebpFound {
		missing = append(missing, "cwebp")
	}
	if !report.ModelScopeFound {
		missing = append(missing, "modelscope")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %s not installed or not on PATH", strings.Join(missing, ", "))
	}
	return nil
}
