package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Object is one file in the remote dataset listing.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is the remote dataset surface the core depends on. Uploads are
// assumed at-least-once; the dataset hub overwrites on re-upload, so a
// duplicate upload after a crash is harmless.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Download(ctx context.Context, remotePath, localPath string) error
	Upload(ctx context.Context, localPath, remotePath string) error
}

// Client talks to ModelScope dataset repositories: listings go through
// the public repo-files API, transfers go through the modelscope CLI.
type Client struct {
	InputRepo  string
	OutputRepo string
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

func NewClient(inputRepo, outputRepo, endpoint, token string) (*Client, error) {
	if strings.TrimSpace(inputRepo) == "" {
		return nil, fmt.Errorf("input repo is required")
	}
	if strings.TrimSpace(outputRepo) == "" {
		return nil, fmt.Errorf("output repo is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = "https://www.modelscope.cn"
	}
	return &Client{
		InputRepo:  strings.TrimSpace(inputRepo),
		OutputRepo: strings.TrimSpace(outputRepo),
		Endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		Token:      strings.TrimSpace(token),
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type repoFilesResponse struct {
	Code int `json:"Code"`
	Data struct {
		Files []repoFileEntry `json:"Files"`
	} `json:"Data"`
	Message string `json:"Message"`
}

type repoFileEntry struct {
	Path          string `json:"Path"`
	Name          string `json:"Name"`
	Size          int64  `json:"Size"`
	Type          string `json:"Type"`
	CommittedDate int64  `json:"CommittedDate"`
}

// List returns every file in the input repo whose path starts with
// prefix. Directories in the listing are skipped.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	listURL := fmt.Sprintf(
		"%s/api/v1/datasets/%s/repo/files?Revision=master&Recursive=true",
		c.Endpoint, url.PathEscape(c.InputRepo),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset listing request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list dataset %s: %w", c.InputRepo, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list dataset %s: HTTP %d: %s", c.InputRepo, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed repoFilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse dataset listing for %s: %w", c.InputRepo, err)
	}
	if parsed.Code != 200 && parsed.Code != 0 {
		return nil, fmt.Errorf("list dataset %s: API code %d: %s", c.InputRepo, parsed.Code, parsed.Message)
	}

	objects := make([]Object, 0, len(parsed.Data.Files))
	for _, f := range parsed.Data.Files {
		if strings.EqualFold(f.Type, "tree") || strings.EqualFold(f.Type, "dir") {
			continue
		}
		name := f.Path
		if name == "" {
			name = f.Name
		}
		if name == "" || (prefix != "" && !strings.HasPrefix(name, prefix)) {
			continue
		}
		objects = append(objects, Object{
			Name:    name,
			Size:    f.Size,
			ModTime: time.Unix(f.CommittedDate, 0).UTC(),
		})
	}
	return objects, nil
}

// Download fetches one file from the input repo to localPath via the
// modelscope CLI.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	if strings.TrimSpace(remotePath) == "" {
		return fmt.Errorf("remote path is required")
	}
	if strings.TrimSpace(localPath) == "" {
		return fmt.Errorf("local path is required")
	}
	localDir := filepath.Dir(localPath)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("create download directory %s: %w", localDir, err)
	}

	args := []string{
		"download",
		"--repo-type", "dataset",
		c.InputRepo,
		remotePath,
		"--local_dir", localDir,
	}
	if err := c.runCLI(ctx, args); err != nil {
		return fmt.Errorf("download %s from %s: %w", remotePath, c.InputRepo, err)
	}

	// The CLI mirrors the repo path under local_dir; move the file to the
	// exact requested location when they differ.
	mirrored := filepath.Join(localDir, filepath.FromSlash(remotePath))
	if mirrored != localPath {
		if _, err := os.Stat(mirrored); err == nil {
			if err := os.Rename(mirrored, localPath); err != nil {
				return fmt.Errorf("place downloaded file %s: %w", localPath, err)
			}
		}
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("download %s: file not present after transfer: %w", remotePath, err)
	}
	return nil
}

// Upload pushes one local file into the output repo at remotePath.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	if strings.TrimSpace(localPath) == "" {
		return fmt.Errorf("local path is required")
	}
	if strings.TrimSpace(remotePath) == "" {
		return fmt.Errorf("remote path is required")
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}

	args := []string{
		"upload",
		"--repo-type", "dataset",
		c.OutputRepo,
		localPath,
		remotePath,
	}
	if err := c.runCLI(ctx, args); err != nil {
		return fmt.Errorf("upload %s to %s: %w", localPath, c.OutputRepo, err)
	}
	return nil
}

func (c *Client) runCLI(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "modelscope", args...)
	cmd.Env = os.Environ()
	if c.Token != "" {
		cmd.Env = append(cmd.Env, "MODELSCOPE_API_TOKEN="+c.Token)
	}
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("modelscope CLI failed: %w", err)
		}
		return fmt.Errorf("modelscope CLI failed: %w: %s", err, msg)
	}
	return nil
}
