package pipeline

import (
	"fmt"

	"anipipe/internal/model"
	"anipipe/internal/store"
)

// PlanBatches splits an item's episodes into contiguous batches of at
// most maxPerBatch, preserving order. The partition is deterministic:
// the same episode list always yields the same batches, so a resumed
// item archives under the same names it started with.
func PlanBatches(identity string, episodes []string, maxPerBatch int) []model.Batch {
	if len(episodes) == 0 || maxPerBatch <= 0 {
		return nil
	}
	partCount := (len(episodes) + maxPerBatch - 1) / maxPerBatch
	batches := make([]model.Batch, 0, partCount)
	for i := 0; i < partCount; i++ {
		start := i * maxPerBatch
		end := start + maxPerBatch
		if end > len(episodes) {
			end = len(episodes)
		}
		part := make([]string, end-start)
		copy(part, episodes[start:end])
		batches = append(batches, model.Batch{
			ParentIdentity: identity,
			PartIndex:      i + 1,
			PartCount:      partCount,
			Episodes:       part,
		})
	}
	return batches
}

// ArchiveName returns the upload name for a batch: the bare series name
// for a single-batch item, a partNNofMM suffix otherwise.
func ArchiveName(b model.Batch) string {
	base := store.SanitizeIdentity(b.ParentIdentity)
	if b.PartCount <= 1 {
		return base + ".tar.gz"
	}
	return fmt.Sprintf("%s_part%02dof%02d.tar.gz", base, b.PartIndex, b.PartCount)
}
