package cli

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"anipipe/internal/model"
	"anipipe/internal/queue"
	"anipipe/internal/store"
	"anipipe/internal/tools"
)

// runSeed enqueues single-file work items from a newline-separated list
// of remote video paths, for collections that never pass through the
// folder monitor.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	listPath := fs.String("list", "", "file holding one remote video path per line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*listPath) == "" {
		return fmt.Errorf("--list is required")
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg := env.cfg

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

	f, err := os.Open(*listPath)
	if err != nil {
		return fmt.Errorf("open list file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	added, duplicates, skipped := 0, 0, 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		outcome, err := q.Enqueue(model.WorkItem{
			Identity: line,
			Kind:     model.KindSingleFile,
		})
		if err != nil {
			return err
		}
		switch outcome {
		case queue.Added:
			added++
		case queue.Duplicate:
			duplicates++
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read list file: %w", err)
	}

	fmt.Printf("seed complete: %d enqueued, %d duplicates, %d skipped\n", added, duplicates, skipped)
	return nil
}

// runRequeue is the explicit operator path for retrying a permanently
// failed item; failures are never re-admitted automatically.
func runRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	identity := fs.String("identity", "", "identity of the failed item to requeue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*identity) == "" {
		return fmt.Errorf("--identity is required")
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg := env.cfg

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
	if err := q.Requeue(*identity, "operator_requeue"); err != nil {
		return err
	}
	fmt.Printf("requeued %s\n", *identity)
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg := env.cfg

	report := tools.DependencyStatus(cfg.CwebpPath)
	printCheck("ffmpeg", report.FFmpegFound, report.FFmpegPath)
	printCheck("cwebp", report.CwebpFound, report.CwebpPath)
	printCheck("modelscope", report.ModelScopeFound, report.ModelScopePath)

	ok := report.FFmpegFound && report.CwebpFound && report.ModelScopeFound
	for _, dir := range []string{cfg.StateDir, cfg.WorkDir} {
		if err := store.Mkdir(dir); err != nil {
			fmt.Printf("  FAIL  directory %s: %v\n", dir, err)
			ok = false
			continue
		}
		fmt.Printf("  ok    directory %s is writable\n", dir)
	}
	if cfg.InputRepo == "" || cfg.OutputRepo == "" {
		fmt.Println("  warn  ANIPIPE_INPUT_REPO / ANIPIPE_OUTPUT_REPO not set; run/scan will refuse to start")
	}

	if !ok {
		return fmt.Errorf("environment is not ready")
	}
	fmt.Println("environment looks good")
	return nil
}

func printCheck(name string, found bool, path string) {
	if found {
		fmt.Printf("  ok    %s (%s)\n", name, path)
		return
	}
	fmt.Printf("  FAIL  %s not found on PATH\n", name)
}
