package space

import (
	"fmt"
	"syscall"
)

// Guard gates admission of new work on free disk space. It never touches
// in-flight items: the supervisor consults it only before a dequeue.
type Guard struct {
	path    string
	minFree int64
	statfs  func(path string) (int64, error)
}

// NewGuard watches the volume holding path and refuses admission when
// accepting the estimated need would leave less than minFree bytes.
func NewGuard(path string, minFree int64) *Guard {
	return &Guard{path: path, minFree: minFree, statfs: freeBytes}
}

// Available returns the free bytes on the working volume.
func (g *Guard) Available() (int64, error) {
	return g.statfs(g.path)
}

// Admit reports whether new work needing roughly estimatedNeed bytes may
// start without dropping below the configured floor.
func (g *Guard) Admit(estimatedNeed int64) (bool, error) {
	free, err := g.statfs(g.path)
	if err != nil {
		return false, err
	}
	return free-estimatedNeed >= g.minFree, nil
}

// MinFree returns the configured floor.
func (g *Guard) MinFree() int64 {
	return g.minFree
}

// SetStatfs replaces the free-space probe, for tests.
func (g *Guard) SetStatfs(fn func(path string) (int64, error)) {
	g.statfs = fn
}

func freeBytes(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
