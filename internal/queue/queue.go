package queue

import (
	"fmt"
	"os"
	"sync"
	"time"

	"anipipe/internal/model"
	"anipipe/internal/store"
)

// EnqueueOutcome reports what Enqueue did with an item.
type EnqueueOutcome string

const (
	Added     EnqueueOutcome = "added"
	Duplicate EnqueueOutcome = "duplicate"
	Rejected  EnqueueOutcome = "rejected"
)

// Queue is the durable, deduplicated, priority-ordered work queue. The
// persisted manifest is the single source of truth: every transition is
// written to disk before the in-memory state reflects it.
type Queue struct {
	path string

	mu  sync.Mutex
	mf  model.QueueManifest
	now func() time.Time
}

// Open loads the queue manifest at path, creating an empty one if none
// exists. Any item left in_progress by a crashed process is requeued to
// pending. An unreadable manifest is a fatal startup error.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path, now: time.Now}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat queue manifest %s: %w", path, err)
		}
		q.mf = model.QueueManifest{SchemaVersion: 1, Items: []model.WorkItem{}}
		if err := q.persistLocked(&q.mf); err != nil {
			return nil, err
		}
		return q, nil
	}

	if err := store.ReadJSON(path, &q.mf); err != nil {
		return nil, fmt.Errorf("queue manifest is corrupt: %w", err)
	}
	for i := range q.mf.Items {
		if !model.IsKnownState(q.mf.Items[i].State) {
			return nil, fmt.Errorf("queue manifest is corrupt: item %q has unknown state %q", q.mf.Items[i].Identity, q.mf.Items[i].State)
		}
	}

	orphans := 0
	for i := range q.mf.Items {
		if q.mf.Items[i].State != model.StateInProgress {
			continue
		}
		if err := model.TransitionItemState(&q.mf.Items[i], model.StatePending, "interrupted_previous_run"); err != nil {
			return nil, err
		}
		if q.mf.Items[i].LastError == "" {
			q.mf.Items[i].LastError = "previous run interrupted while this item was in progress"
		}
		orphans++
	}
	if orphans > 0 {
		if err := q.persistLocked(&q.mf); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Enqueue adds item as pending unless an item with the same identity
// already exists in any state.
func (q *Queue) Enqueue(item model.WorkItem) (EnqueueOutcome, error) {
	if item.Identity == "" {
		return Rejected, fmt.Errorf("work item identity is required")
	}
	if item.Kind != model.KindFolder && item.Kind != model.KindSingleFile {
		return Rejected, fmt.Errorf("unknown work item kind %q", item.Kind)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.mf.Items {
		if q.mf.Items[i].Identity == item.Identity {
			return Duplicate, nil
		}
	}

	item.State = ""
	if err := model.TransitionItemState(&item, model.StatePending, ""); err != nil {
		return Rejected, err
	}
	if item.DiscoveredAt == "" {
		item.DiscoveredAt = q.now().UTC().Format(time.RFC3339)
	}

	next := cloneManifest(q.mf)
	next.Items = append(next.Items, item)
	if err := q.persistLocked(&next); err != nil {
		return Rejected, err
	}
	q.mf = next
	return Added, nil
}

// Dequeue returns the pending item with the smallest size hint and marks
// it in_progress. The transition is persisted before the item is handed
// to the caller. ok is false when nothing is pending.
func (q *Queue) Dequeue() (model.WorkItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.nextPendingIndexLocked()
	if idx < 0 {
		return model.WorkItem{}, false, nil
	}

	next := cloneManifest(q.mf)
	item := &next.Items[idx]
	if err := model.TransitionItemState(item, model.StateInProgress, ""); err != nil {
		return model.WorkItem{}, false, err
	}
	item.Attempts++
	item.StartedAt = q.now().UTC().Format(time.RFC3339)
	if err := q.persistLocked(&next); err != nil {
		return model.WorkItem{}, false, err
	}
	q.mf = next
	return next.Items[idx], true, nil
}

// PeekPending returns the item Dequeue would return next without
// mutating any state.
func (q *Queue) PeekPending() (model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.nextPendingIndexLocked()
	if idx < 0 {
		return model.WorkItem{}, false
	}
	return q.mf.Items[idx], true
}

// Complete transitions an in_progress item to done, or to failed when
// reason is non-empty.
func (q *Queue) Complete(identity, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := cloneManifest(q.mf)
	item := findItem(&next, identity)
	if item == nil {
		return fmt.Errorf("unknown work item %q", identity)
	}
	toState := model.StateDone
	if reason != "" {
		toState = model.StateFailed
	}
	if err := model.TransitionItemState(item, toState, reason); err != nil {
		return err
	}
	item.CompletedAt = q.now().UTC().Format(time.RFC3339)
	if toState == model.StateDone {
		item.LastError = ""
	} else {
		item.LastError = reason
	}
	if err := q.persistLocked(&next); err != nil {
		return err
	}
	q.mf = next
	return nil
}

// Requeue moves an in_progress or failed item back to pending.
func (q *Queue) Requeue(identity, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := cloneManifest(q.mf)
	item := findItem(&next, identity)
	if item == nil {
		return fmt.Errorf("unknown work item %q", identity)
	}
	if err := model.TransitionItemState(item, model.StatePending, reason); err != nil {
		return err
	}
	item.StartedAt = ""
	item.CompletedAt = ""
	if err := q.persistLocked(&next); err != nil {
		return err
	}
	q.mf = next
	return nil
}

// Remove deletes a done or failed item from the queue. Pending and
// in_progress items cannot be removed.
func (q *Queue) Remove(identity string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := cloneManifest(q.mf)
	idx := -1
	for i := range next.Items {
		if next.Items[i].Identity == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unknown work item %q", identity)
	}
	state := next.Items[idx].State
	if state != model.StateDone && state != model.StateFailed {
		return fmt.Errorf("cannot remove item %q in state %q", identity, state)
	}
	next.Items = append(next.Items[:idx], next.Items[idx+1:]...)
	if err := q.persistLocked(&next); err != nil {
		return err
	}
	q.mf = next
	return nil
}

// Snapshot returns a deep copy of the manifest for status reporting.
func (q *Queue) Snapshot() model.QueueManifest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneManifest(q.mf)
}

// InFlight reports how many items are currently in_progress.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mf.InProgress
}

func (q *Queue) nextPendingIndexLocked() int {
	idx := -1
	for i := range q.mf.Items {
		it := &q.mf.Items[i]
		if it.State != model.StatePending {
			continue
		}
		if idx < 0 {
			idx = i
			continue
		}
		best := &q.mf.Items[idx]
		if it.SizeHint != best.SizeHint {
			if it.SizeHint < best.SizeHint {
				idx = i
			}
			continue
		}
		if it.DiscoveredAt != best.DiscoveredAt {
			if it.DiscoveredAt < best.DiscoveredAt {
				idx = i
			}
			continue
		}
		if it.Identity < best.Identity {
			idx = i
		}
	}
	return idx
}

// persistLocked recounts and writes the manifest. Callers swap the
// in-memory manifest only after this succeeds, so a failed write leaves
// the visible state untouched.
func (q *Queue) persistLocked(mf *model.QueueManifest) error {
	recountManifest(mf)
	mf.UpdatedAt = q.now().UTC().Format(time.RFC3339)
	if err := store.WriteJSON(q.path, mf); err != nil {
		return fmt.Errorf("persist queue manifest: %w", err)
	}
	return nil
}

func findItem(mf *model.QueueManifest, identity string) *model.WorkItem {
	for i := range mf.Items {
		if mf.Items[i].Identity == identity {
			return &mf.Items[i]
		}
	}
	return nil
}

func recountManifest(mf *model.QueueManifest) {
	pending, inProgress, done, failed := 0, 0, 0, 0
	for _, it := range mf.Items {
		switch it.State {
		case model.StatePending:
			pending++
		case model.StateInProgress:
			inProgress++
		case model.StateDone:
			done++
		case model.StateFailed:
			failed++
		}
	}
	mf.Pending = pending
	mf.InProgress = inProgress
	mf.Done = done
	mf.Failed = failed
}

func cloneManifest(mf model.QueueManifest) model.QueueManifest {
	out := mf
	out.Items = make([]model.WorkItem, len(mf.Items))
	copy(out.Items, mf.Items)
	return out
}
