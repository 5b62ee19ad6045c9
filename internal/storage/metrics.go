package storage

import (
	"sync/atomic"
	"time"
)

// StorageMetrics tracks operational counters for the vector store:
// resize frequency/latency and fragmentation are surfaced so callers can
// decide when to compact without guessing from file size alone.
type StorageMetrics struct {
	resizeCount     atomic.Uint64
	resizeNanos     atomic.Uint64
	storeCount      atomic.Uint64
	deleteCount     atomic.Uint64
	liveBytes       atomic.Int64
	allocatedBytes  atomic.Int64
	compactionCount atomic.Uint64
}

func NewStorageMetrics() *StorageMetrics {
	return &StorageMetrics{}
}

func (m *StorageMetrics) RecordResize(d time.Duration) {
	m.resizeCount.Add(1)
	m.resizeNanos.Add(uint64(d.Nanoseconds()))
}

func (m *StorageMetrics) RecordStore(vectorBytes int64) {
	m.storeCount.Add(1)
	m.liveBytes.Add(vectorBytes)
	m.allocatedBytes.Add(vectorBytes)
}

func (m *StorageMetrics) RecordOverwrite() {
	m.storeCount.Add(1)
}

func (m *StorageMetrics) RecordDelete(vectorBytes int64) {
	m.deleteCount.Add(1)
	m.liveBytes.Add(-vectorBytes)
}

// RecordCompaction counts a compaction. Compaction leaves only live vectors
// in the data file, so allocated bytes are reset to the live byte count.
func (m *StorageMetrics) RecordCompaction(reclaimed int64) {
	m.compactionCount.Add(1)
	m.allocatedBytes.Store(m.liveBytes.Load())
}

// FragmentationRatio is the fraction of allocated data-file bytes that no
// longer correspond to a live vector (i.e. reclaimable by compaction). 0 if
// nothing has been allocated yet.
func (m *StorageMetrics) FragmentationRatio() float64 {
	allocated := m.allocatedBytes.Load()
	if allocated <= 0 {
		return 0
	}
	live := m.liveBytes.Load()
	dead := allocated - live
	if dead <= 0 {
		return 0
	}
	return float64(dead) / float64(allocated)
}

func (m *StorageMetrics) ResizeCount() uint64 { return m.resizeCount.Load() }

func (m *StorageMetrics) AverageResizeLatency() time.Duration {
	n := m.resizeCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.resizeNanos.Load() / n)
}

func (m *StorageMetrics) StoreCount() uint64      { return m.storeCount.Load() }
func (m *StorageMetrics) DeleteCount() uint64     { return m.deleteCount.Load() }
func (m *StorageMetrics) CompactionCount() uint64 { return m.compactionCount.Load() }
