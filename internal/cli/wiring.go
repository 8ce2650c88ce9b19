package cli

import (
	"fmt"
	"log"
	"os"

	"anipipe/internal/config"
	"anipipe/internal/pipeline"
	"anipipe/internal/queue"
	"anipipe/internal/remote"
	"anipipe/internal/space"
	"anipipe/internal/store"
	"anipipe/internal/tools"
	"anipipe/internal/watch"
)

type appEnv struct {
	cfg    *config.Config
	logger *log.Logger
}

func loadAppConfig() (*appEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &appEnv{cfg: cfg, logger: newLogger()}, nil
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags)
}

func buildRemote(cfg *config.Config) (*remote.Client, error) {
	if cfg.InputRepo == "" || cfg.OutputRepo == "" {
		return nil, fmt.Errorf("ANIPIPE_INPUT_REPO and ANIPIPE_OUTPUT_REPO must be set")
	}
	return remote.NewClient(cfg.InputRepo, cfg.OutputRepo, cfg.Endpoint, cfg.Token)
}

func buildRunner(cfg *config.Config, client *remote.Client, logger *log.Logger) *pipeline.Runner {
	return &pipeline.Runner{
		Remote: client,
		Transcoder: tools.FFmpeg{
			VideoCodec:     cfg.VideoCodec,
			Preset:         cfg.FFmpegPreset,
			CRF:            cfg.FFmpegCRF,
			SceneThreshold: cfg.SceneThreshold,
			Timeout:        cfg.TranscodeTimeout,
		},
		Sampler: tools.FFmpeg{
			SceneThreshold: cfg.SceneThreshold,
			Timeout:        cfg.TranscodeTimeout,
		},
		Compressor: tools.CWebP{
			Binary:       cfg.CwebpPath,
			Quality:      cfg.WebPQuality,
			MaxImageSize: cfg.MaxImageSize,
			MaxEdgeSize:  cfg.MaxEdgeSize,
		},
		Archiver:            tools.TarPacker{},
		StateDir:            cfg.StateDir,
		WorkDir:             cfg.WorkDir,
		MaxEpisodesPerBatch: cfg.MaxEpisodesPerBatch,
		MaxStageRetries:     cfg.MaxStageRetries,
		RetryBackoff:        cfg.RetryBackoff,
		Logger:              logger,
	}
}

func buildDetector(cfg *config.Config, client *remote.Client, logger *log.Logger) (*watch.Detector, error) {
	return watch.NewDetector(client, store.StabilityPath(cfg.StateDir), cfg.StabilityWindow, cfg.ScanInterval, logger)
}

func buildGuard(cfg *config.Config) (*space.Guard, error) {
	if err := store.Mkdir(cfg.WorkDir); err != nil {
		return nil, err
	}
	return space.NewGuard(cfg.WorkDir, cfg.MinFreeBytes()), nil
}

func openQueue(cfg *config.Config) (*queue.Queue, error) {
	if err := store.Mkdir(cfg.StateDir); err != nil {
		return nil, err
	}
	return queue.Open(store.QueuePath(cfg.StateDir))
}
