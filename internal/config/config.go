package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is constructed once at startup and passed to each component.
// Values come from ANIPIPE_* environment variables (a .env file is loaded
// by main before this runs); every field has a usable default.
type Config struct {
	StateDir string
	WorkDir  string

	InputRepo  string
	OutputRepo string
	Endpoint   string
	Token      string

	ScanInterval    time.Duration
	CheckInterval   time.Duration
	StabilityWindow time.Duration

	Workers             int
	MaxEpisodesPerBatch int
	MaxStageRetries     int
	RetryBackoff        time.Duration
	MinFreeSpaceGB      int

	TranscodeTimeout time.Duration
	VideoCodec       string
	FFmpegPreset     string
	FFmpegCRF        int
	SceneThreshold   float64

	WebPQuality  int
	MaxImageSize int
	MaxEdgeSize  int
	CwebpPath    string
}

func Load() (*Config, error) {
	cfg := &Config{
		StateDir:            envString("ANIPIPE_STATE_DIR", "state"),
		WorkDir:             envString("ANIPIPE_WORK_DIR", "work"),
		InputRepo:           envString("ANIPIPE_INPUT_REPO", ""),
		OutputRepo:          envString("ANIPIPE_OUTPUT_REPO", ""),
		Endpoint:            envString("ANIPIPE_ENDPOINT", "https://www.modelscope.cn"),
		Token:               envString("MODELSCOPE_API_TOKEN", ""),
		ScanInterval:        envSeconds("ANIPIPE_SCAN_INTERVAL_SEC", 300),
		CheckInterval:       envSeconds("ANIPIPE_CHECK_INTERVAL_SEC", 60),
		StabilityWindow:     envSeconds("ANIPIPE_STABILITY_WINDOW_SEC", 600),
		Workers:             envInt("ANIPIPE_WORKERS", 1),
		MaxEpisodesPerBatch: envInt("ANIPIPE_MAX_EPISODES_PER_BATCH", 30),
		MaxStageRetries:     envInt("ANIPIPE_MAX_STAGE_RETRIES", 3),
		RetryBackoff:        envSeconds("ANIPIPE_RETRY_BACKOFF_SEC", 10),
		MinFreeSpaceGB:      envInt("ANIPIPE_MIN_FREE_SPACE_GB", 5),
		TranscodeTimeout:    envSeconds("ANIPIPE_TRANSCODE_TIMEOUT_SEC", 7200),
		VideoCodec:          envString("ANIPIPE_VIDEO_CODEC", "av1_nvenc"),
		FFmpegPreset:        envString("ANIPIPE_FFMPEG_PRESET", "p7"),
		FFmpegCRF:           envInt("ANIPIPE_FFMPEG_CRF", 23),
		SceneThreshold:      envFloat("ANIPIPE_SCENE_THRESHOLD", 0.3),
		WebPQuality:         envInt("ANIPIPE_WEBP_QUALITY", 90),
		MaxImageSize:        envInt("ANIPIPE_MAX_IMAGE_SIZE", 2048),
		MaxEdgeSize:         envInt("ANIPIPE_MAX_EDGE_SIZE", 16383),
		CwebpPath:           envString("ANIPIPE_CWEBP_PATH", "cwebp"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state directory must not be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work directory must not be empty")
	}
	if c.WebPQuality < 0 || c.WebPQuality > 100 {
		return fmt.Errorf("webp quality must be within 0-100, got %d", c.WebPQuality)
	}
	if c.MaxEpisodesPerBatch <= 0 {
		return fmt.Errorf("max episodes per batch must be positive, got %d", c.MaxEpisodesPerBatch)
	}
	if c.MinFreeSpaceGB < 0 {
		return fmt.Errorf("min free space must not be negative, got %d", c.MinFreeSpaceGB)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxStageRetries < 0 {
		return fmt.Errorf("max stage retries must not be negative, got %d", c.MaxStageRetries)
	}
	if c.ScanInterval <= 0 || c.CheckInterval <= 0 || c.StabilityWindow <= 0 {
		return fmt.Errorf("scan interval, check interval and stability window must be positive")
	}
	if c.SceneThreshold <= 0 || c.SceneThreshold >= 1 {
		return fmt.Errorf("scene threshold must be within (0, 1), got %v", c.SceneThreshold)
	}
	if c.MaxImageSize <= 0 || c.MaxEdgeSize <= 0 {
		return fmt.Errorf("image size limits must be positive")
	}
	return nil
}

func (c *Config) MinFreeBytes() int64 {
	return int64(c.MinFreeSpaceGB) * 1024 * 1024 * 1024
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
