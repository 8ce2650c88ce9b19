package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"anipipe/internal/model"
	"anipipe/internal/pipeline"
	"anipipe/internal/queue"
	"anipipe/internal/space"
	"anipipe/internal/store"
	"anipipe/internal/watch"
)

// spaceFactor scales an item's size hint into the rough local footprint
// of a full pipeline pass: source videos, transcoded MKVs, frames and
// the archive coexist on disk at its peak.
const spaceFactor = 3

// ItemRunner is the pipeline surface the supervisor drives.
type ItemRunner interface {
	Run(ctx context.Context, item model.WorkItem) error
}

// Supervisor is the long-running control loop: scans feed the queue,
// the queue feeds a bounded worker pool behind the disk-space gate.
type Supervisor struct {
	Queue    *queue.Queue
	Detector *watch.Detector
	Guard    *space.Guard
	Runner   ItemRunner
	Logger   *log.Logger
	Session  string
	StateDir string

	Workers       int
	ScanInterval  time.Duration
	CheckInterval time.Duration

	ScanEnabled bool
	WorkEnabled bool
	Drain       bool
}

// Run drives the loop until ctx is cancelled or, in drain mode, until
// the queue has no runnable work left. In-flight items finish their
// current stage before the loop returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	s.Logger.Printf("supervisor: session %s starting (workers=%d scan=%v work=%v drain=%v)",
		s.Session, s.Workers, s.ScanEnabled, s.WorkEnabled, s.Drain)

	scanTicker := time.NewTicker(s.ScanInterval)
	defer scanTicker.Stop()
	checkTicker := time.NewTicker(s.CheckInterval)
	defer checkTicker.Stop()

	slots := make(chan struct{}, s.Workers)
	var wg sync.WaitGroup

	if s.ScanEnabled {
		s.scanAndEnqueue(ctx)
	}
	if s.WorkEnabled {
		s.dispatch(ctx, slots, &wg)
	}

	for {
		select {
		case <-ctx.Done():
			s.Logger.Printf("supervisor: stop requested, waiting for %d in-flight item(s) to reach a checkpoint", s.Queue.InFlight())
			wg.Wait()
			s.Logger.Printf("supervisor: session %s stopped", s.Session)
			return nil
		case <-scanTicker.C:
			if s.ScanEnabled {
				s.scanAndEnqueue(ctx)
			}
		case <-checkTicker.C:
			if s.WorkEnabled {
				s.dispatch(ctx, slots, &wg)
			}
			if s.Drain && s.drained() {
				wg.Wait()
				if s.drained() {
					s.Logger.Printf("supervisor: queue drained, session %s exiting", s.Session)
					return nil
				}
			}
		}
	}
}

// scanAndEnqueue runs one detector pass and promotes newly stable
// folders into the queue. Scan failures are logged and retried on the
// next tick; they never stop the loop.
func (s *Supervisor) scanAndEnqueue(ctx context.Context) {
	if err := s.Detector.Scan(ctx); err != nil {
		s.Logger.Printf("supervisor: scan failed, will retry: %v", err)
		return
	}
	for _, rec := range s.Detector.Stable() {
		outcome, err := s.Queue.Enqueue(model.WorkItem{
			Identity:     rec.FolderID,
			Kind:         model.KindFolder,
			SizeHint:     rec.TotalSize,
			EpisodeCount: rec.FileCount,
		})
		if err != nil {
			s.Logger.Printf("supervisor: enqueue %s failed: %v", rec.FolderID, err)
			continue
		}
		if outcome == queue.Added {
			s.Logger.Printf("supervisor: enqueued stable folder %s (%d files, %s)",
				rec.FolderID, rec.FileCount, humanize.IBytes(uint64(rec.TotalSize)))
		}
		// Promoted either way: a duplicate means the folder was already
		// queued or processed, so its record has served its purpose.
		if err := s.Detector.Forget(rec.FolderID); err != nil {
			s.Logger.Printf("supervisor: drop stability record %s failed: %v", rec.FolderID, err)
		}
	}
}

// dispatch fills free worker slots while the space gate admits new work.
// An in-flight item is never preempted for space; the gate only blocks
// admissions.
func (s *Supervisor) dispatch(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) {
	for {
		if ctx.Err() != nil {
			return
		}
		next, ok := s.Queue.PeekPending()
		if !ok {
			return
		}

		admitted, err := s.Guard.Admit(next.SizeHint * spaceFactor)
		if err != nil {
			s.Logger.Printf("supervisor: space check failed, holding admissions: %v", err)
			return
		}
		if !admitted {
			free, _ := s.Guard.Available()
			s.Logger.Printf("supervisor: low disk space (%s free, floor %s), holding %s until space clears",
				humanize.IBytes(uint64(free)), humanize.IBytes(uint64(s.Guard.MinFree())), next.Identity)
			return
		}

		select {
		case slots <- struct{}{}:
		default:
			return // all workers busy
		}

		item, ok, err := s.Queue.Dequeue()
		if err != nil {
			<-slots
			s.Logger.Printf("supervisor: dequeue failed: %v", err)
			return
		}
		if !ok {
			<-slots
			return
		}

		wg.Add(1)
		go func(item model.WorkItem) {
			defer wg.Done()
			defer func() { <-slots }()
			s.process(ctx, item)
		}(item)
	}
}

func (s *Supervisor) process(ctx context.Context, item model.WorkItem) {
	s.Logger.Printf("supervisor: start %s (size hint %s)", item.Identity, humanize.IBytes(uint64(item.SizeHint)))
	start := time.Now()

	err := s.Runner.Run(ctx, item)
	switch {
	case err == nil:
		if cerr := s.Queue.Complete(item.Identity, ""); cerr != nil {
			s.Logger.Printf("supervisor: mark done %s failed: %v", item.Identity, cerr)
			return
		}
		// The checkpoint outlives the pipeline until done is persisted,
		// so a crash before this point resumes instead of reprocessing.
		if cerr := store.ClearCheckpoint(s.StateDir, item.Identity); cerr != nil {
			s.Logger.Printf("supervisor: clear checkpoint %s failed (non-fatal): %v", item.Identity, cerr)
		}
		s.Logger.Printf("supervisor: done %s in %s", item.Identity, time.Since(start).Round(time.Second))
	case errors.Is(err, pipeline.ErrStopped):
		if rerr := s.Queue.Requeue(item.Identity, "stopped_between_stages"); rerr != nil {
			s.Logger.Printf("supervisor: requeue %s failed: %v", item.Identity, rerr)
			return
		}
		s.Logger.Printf("supervisor: %s requeued at checkpoint after stop", item.Identity)
	default:
		reason := pipeline.FailureReason(err)
		if cerr := s.Queue.Complete(item.Identity, reason); cerr != nil {
			s.Logger.Printf("supervisor: mark failed %s failed: %v", item.Identity, cerr)
			return
		}
		s.Logger.Printf("supervisor: fail %s: %s", item.Identity, reason)
	}
}

func (s *Supervisor) drained() bool {
	snap := s.Queue.Snapshot()
	return snap.Pending == 0 && snap.InProgress == 0
}

// Describe summarizes the loop configuration for startup logging.
func (s *Supervisor) Describe() string {
	return fmt.Sprintf("workers=%d scan_interval=%s check_interval=%s", s.Workers, s.ScanInterval, s.CheckInterval)
}
