package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"anipipe/internal/model"
	"anipipe/internal/queue"
	"anipipe/internal/store"
	"anipipe/internal/supervisor"
	"anipipe/internal/tools"
	"anipipe/internal/watch"
)

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	workers := fs.Int("workers", 0, "override configured worker count")
	drain := fs.Bool("drain", false, "exit once the queue has been fully processed")
	bootstrap := fs.Bool("bootstrap", false, "enqueue every existing remote folder before the first scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return superviseLoop(superviseOptions{
		workers:     *workers,
		drain:       *drain,
		bootstrap:   *bootstrap,
		scanEnabled: true,
		workEnabled: true,
	})
}

func runWork(args []string) error {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	workers := fs.Int("workers", 0, "override configured worker count")
	drain := fs.Bool("drain", false, "exit once the queue has been fully processed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return superviseLoop(superviseOptions{
		workers:     *workers,
		drain:       *drain,
		scanEnabled: false,
		workEnabled: true,
	})
}

type superviseOptions struct {
	workers     int
	drain       bool
	bootstrap   bool
	scanEnabled bool
	workEnabled bool
}

func superviseLoop(opts superviseOptions) error {
	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg, logger := env.cfg, env.logger

	if err := tools.CheckDependencies(cfg.CwebpPath); err != nil {
		return err
	}

	lock, err := store.AcquireStateLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	client, err := buildRemote(cfg)
	if err != nil {
		return err
	}
	detector, err := buildDetector(cfg, client, logger)
	if err != nil {
		return err
	}
	guard, err := buildGuard(cfg)
	if err != nil {
		return err
	}

	workers := cfg.Workers
	if opts.workers > 0 {
		workers = opts.workers
	}

	sup := &supervisor.Supervisor{
		Queue:         q,
		Detector:      detector,
		Guard:         guard,
		Runner:        buildRunner(cfg, client, logger),
		Logger:        logger,
		Session:       uuid.NewString(),
		StateDir:      cfg.StateDir,
		Workers:       workers,
		ScanInterval:  cfg.ScanInterval,
		CheckInterval: cfg.CheckInterval,
		ScanEnabled:   opts.scanEnabled,
		WorkEnabled:   opts.workEnabled,
		Drain:         opts.drain,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.bootstrap {
		if err := bootstrapQueue(ctx, detector, q, logger); err != nil {
			return err
		}
	}

	logger.Printf("anipipe: %s", sup.Describe())
	return sup.Run(ctx)
}

// bootstrapQueue enqueues every non-empty remote folder immediately,
// skipping the stability window. Used on first deployment against a
// collection that finished uploading long ago.
func bootstrapQueue(ctx context.Context, detector *watch.Detector, q *queue.Queue, logger *log.Logger) error {
	if err := detector.Scan(ctx); err != nil {
		return fmt.Errorf("bootstrap scan: %w", err)
	}
	added := 0
	for _, rec := range detector.All() {
		if rec.FileCount == 0 {
			continue
		}
		outcome, err := q.Enqueue(model.WorkItem{
			Identity:     rec.FolderID,
			Kind:         model.KindFolder,
			SizeHint:     rec.TotalSize,
			EpisodeCount: rec.FileCount,
		})
		if err != nil {
			return err
		}
		if outcome == queue.Added {
			added++
		}
		if err := detector.Forget(rec.FolderID); err != nil {
			return err
		}
	}
	logger.Printf("anipipe: bootstrap enqueued %d folders", added)
	return nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	all := fs.Bool("all", false, "enqueue every non-empty folder, skipping the stability window")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg, logger := env.cfg, env.logger

	lock, err := store.AcquireStateLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	client, err := buildRemote(cfg)
	if err != nil {
		return err
	}
	detector, err := buildDetector(cfg, client, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := detector.Scan(ctx); err != nil {
		return err
	}

	records := detector.Stable()
	if *all {
		records = detector.All()
	}
	added, duplicates := 0, 0
	for _, rec := range records {
		if rec.FileCount == 0 {
			continue
		}
		outcome, err := q.Enqueue(model.WorkItem{
			Identity:     rec.FolderID,
			Kind:         model.KindFolder,
			SizeHint:     rec.TotalSize,
			EpisodeCount: rec.FileCount,
		})
		if err != nil {
			return err
		}
		switch outcome {
		case queue.Added:
			added++
		case queue.Duplicate:
			duplicates++
		}
		if err := detector.Forget(rec.FolderID); err != nil {
			return err
		}
	}

	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"added":      added,
			"duplicates": duplicates,
			"tracked":    len(detector.All()),
		})
	}
	fmt.Printf("scan complete: %d enqueued, %d already known, %d folders still settling\n",
		added, duplicates, len(detector.All()))
	return nil
}
