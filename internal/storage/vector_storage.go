package storage

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

const (
	initialMmapSize = 16 * 1024 * 1024
	minGrowth       = 64 * 1024 * 1024
	minDataFileSize = 4096
)

// VectorStore is the mmap-backed id->vector store:
// vectors.dat holds packed little-endian f32 rows, vectors.idx is the
// persisted id->offset map, vectors.wal makes every store/delete durable
// before the in-memory index or mmap is touched.
type VectorStore struct {
	dir       string
	dimension int

	wal     *VecWAL
	index   *ShardedIndex
	metrics *StorageMetrics

	dataFile *os.File

	// mmapLock guards the mmap slice itself: RLock for ordinary reads and
	// in-place/append writes (they don't move the mapping), Lock for
	// ensure_capacity, compact, and close.
	mmapLock sync.RWMutex
	mmap     []byte

	nextOffset atomic.Int64
	remapEpoch uint64
}

func vectorsDatPath(dir string) string { return filepath.Join(dir, "vectors.dat") }
func vectorsIdxPath(dir string) string { return filepath.Join(dir, "vectors.idx") }
func vectorsWalPath(dir string) string { return filepath.Join(dir, "vectors.wal") }

// OpenVectorStore opens or creates the three files backing a collection's
// vectors and reconciles them: load the persisted index if present, then
// replay the WAL so any store/delete not yet reflected in vectors.idx is
// re-applied.
func OpenVectorStore(dir string, dimension int) (*VectorStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, verrors.Wrap(verrors.IO, "vectorstore", "create collection directory", err)
	}

	dataFile, err := os.OpenFile(vectorsDatPath(dir), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "vectorstore", "open vectors.dat", err)
	}

	size, err := dataFile.Seek(0, 2)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "vectorstore", "stat vectors.dat", err)
	}
	if size == 0 {
		size = initialMmapSize
		if err := dataFile.Truncate(size); err != nil {
			return nil, verrors.Wrap(verrors.IO, "vectorstore", "preallocate vectors.dat", err)
		}
	}

	mmapData, err := syscall.Mmap(int(dataFile.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "vectorstore", "mmap vectors.dat", err)
	}

	wal, err := OpenVecWAL(vectorsWalPath(dir))
	if err != nil {
		return nil, err
	}

	idx, _, err := LoadShardedIndex(vectorsIdxPath(dir))
	if err != nil {
		idx = NewShardedIndex()
	}
	if idx == nil {
		idx = NewShardedIndex()
	}

	vs := &VectorStore{
		dir:       dir,
		dimension: dimension,
		wal:       wal,
		index:     idx,
		metrics:   NewStorageMetrics(),
		dataFile:  dataFile,
		mmap:      mmapData,
	}

	var maxEnd int64
	vs.index.Each(func(_ uint64, offset int64) {
		end := offset + int64(dimension*4)
		if end > maxEnd {
			maxEnd = end
		}
	})
	vs.nextOffset.Store(maxEnd)

	if err := vs.replayWAL(); err != nil {
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) vectorByteLen() int { return vs.dimension * 4 }

func (vs *VectorStore) replayWAL() error {
	records, err := vs.wal.Replay()
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Marker {
		case vecWALMarkerStore:
			if err := vs.applyStore(rec.ID, rec.Vector); err != nil {
				return err
			}
		case vecWALMarkerDelete:
			vs.index.Delete(rec.ID)
		}
	}
	return nil
}

// Store writes vec under id: overwrite in place if id already exists,
// otherwise append at next_offset. Always durable to the WAL first.
func (vs *VectorStore) Store(id uint64, vec []float32) error {
	if len(vec) != vs.dimension {
		return verrors.New(verrors.DimensionMismatch, "vectorstore", "vector dimension does not match collection")
	}
	flagOffset, err := vs.wal.WriteStore(id, vec)
	if err != nil {
		return err
	}
	if err := vs.applyStore(id, vec); err != nil {
		return err
	}
	return vs.wal.MarkCommitted(flagOffset)
}

func (vs *VectorStore) applyStore(id uint64, vec []float32) error {
	byteLen := vs.vectorByteLen()
	var overwrite bool
	offset, ok := vs.index.Get(id)
	if ok {
		overwrite = true
	} else {
		offset = vs.nextOffset.Add(int64(byteLen)) - int64(byteLen)
	}

	if err := vs.ensureCapacity(offset + int64(byteLen)); err != nil {
		return err
	}

	vs.mmapLock.RLock()
	dst := vs.mmap[offset : offset+int64(byteLen)]
	for i, f := range vec {
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(f))
	}
	vs.mmapLock.RUnlock()

	vs.index.Set(id, offset)
	if overwrite {
		vs.metrics.RecordOverwrite()
	} else {
		vs.metrics.RecordStore(int64(byteLen))
	}
	return nil
}

// Retrieve returns an owned copy of the vector stored under id.
func (vs *VectorStore) Retrieve(id uint64) ([]float32, error) {
	offset, ok := vs.index.Get(id)
	if !ok {
		return nil, verrors.New(verrors.OffsetOutOfBounds, "vectorstore", "vector id not found")
	}
	byteLen := vs.vectorByteLen()

	vs.mmapLock.RLock()
	defer vs.mmapLock.RUnlock()
	if offset < 0 || offset+int64(byteLen) > int64(len(vs.mmap)) {
		return nil, verrors.New(verrors.OffsetOutOfBounds, "vectorstore", "stored offset outside mmap bounds")
	}
	src := vs.mmap[offset : offset+int64(byteLen)]
	out := make([]float32, vs.dimension)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4 : i*4+4]))
	}
	return out, nil
}

// RetrieveRef returns a zero-copy guard over the vector's bytes directly in
// the mmap. The guard holds the mmap read lock until Release is called, and
// its Slice() re-checks the remap epoch on every access.
func (vs *VectorStore) RetrieveRef(id uint64) (*VectorSliceGuard, error) {
	offset, ok := vs.index.Get(id)
	if !ok {
		return nil, verrors.New(verrors.OffsetOutOfBounds, "vectorstore", "vector id not found")
	}
	byteLen := vs.vectorByteLen()

	vs.mmapLock.RLock()
	if offset < 0 || offset+int64(byteLen) > int64(len(vs.mmap)) {
		vs.mmapLock.RUnlock()
		return nil, verrors.New(verrors.OffsetOutOfBounds, "vectorstore", "stored offset outside mmap bounds")
	}
	if offset%4 != 0 {
		vs.mmapLock.RUnlock()
		return nil, verrors.New(verrors.AlignmentError, "vectorstore", "stored offset is not 4-byte aligned")
	}
	raw := vs.mmap[offset : offset+int64(byteLen)]
	epochPtr := vs.epochPtr()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		vs.mmapLock.RUnlock()
	}
	data := bytesToFloat32Slice(raw)
	return newVectorSliceGuard(data, epochPtr, release), nil
}

func (vs *VectorStore) epochPtr() *uint64 {
	return &vs.remapEpoch
}

// bytesToFloat32Slice reinterprets a byte slice as []float32 without
// copying. Safe because every stored offset is kept 4-byte aligned and
// the store always runs on little-endian hosts in this deployment shape.
func bytesToFloat32Slice(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Delete removes id from the index. The underlying bytes are left in place
// (reclaimed by Compact) but the vector becomes unreachable immediately.
func (vs *VectorStore) Delete(id uint64) error {
	if _, ok := vs.index.Get(id); !ok {
		return verrors.New(verrors.OffsetOutOfBounds, "vectorstore", "vector id not found")
	}
	flagOffset, err := vs.wal.WriteDelete(id)
	if err != nil {
		return err
	}
	vs.index.Delete(id)
	vs.metrics.RecordDelete(int64(vs.vectorByteLen()))
	return vs.wal.MarkCommitted(flagOffset)
}

// ensureCapacity grows vectors.dat and remaps it if requiredLen exceeds the
// current mapping. Growth policy:
// new_len = max(2*current, required+64MiB, current+64MiB, required).
func (vs *VectorStore) ensureCapacity(requiredLen int64) error {
	vs.mmapLock.RLock()
	current := int64(len(vs.mmap))
	vs.mmapLock.RUnlock()
	if current >= requiredLen {
		return nil
	}

	vs.mmapLock.Lock()
	defer vs.mmapLock.Unlock()

	current = int64(len(vs.mmap))
	if current >= requiredLen {
		return nil
	}

	start := time.Now()
	newLen := current * 2
	if v := requiredLen + minGrowth; v > newLen {
		newLen = v
	}
	if v := current + minGrowth; v > newLen {
		newLen = v
	}
	if requiredLen > newLen {
		newLen = requiredLen
	}

	if err := syscall.Munmap(vs.mmap); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "munmap before resize", err)
	}
	if err := vs.dataFile.Truncate(newLen); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "grow vectors.dat", err)
	}
	newMmap, err := syscall.Mmap(int(vs.dataFile.Fd()), 0, int(newLen), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "remap vectors.dat", err)
	}
	vs.mmap = newMmap
	atomic.AddUint64(&vs.remapEpoch, 1)
	vs.metrics.RecordResize(time.Since(start))
	return nil
}

// ReserveCapacity pre-sizes the store for n additional vectors plus 10%
// headroom, so a bulk load doesn't pay for incremental remaps.
func (vs *VectorStore) ReserveCapacity(n int) error {
	vs.mmapLock.RLock()
	current := int64(len(vs.mmap))
	vs.mmapLock.RUnlock()

	required := vs.nextOffset.Load() + int64(n*vs.vectorByteLen())
	required = int64(float64(required) * 1.1)
	if required <= current {
		return nil
	}
	return vs.ensureCapacity(required)
}

// Flush flushes the WAL and the mmap to disk.
func (vs *VectorStore) Flush() error {
	if err := vs.wal.Sync(); err != nil {
		return err
	}
	vs.mmapLock.RLock()
	defer vs.mmapLock.RUnlock()
	if len(vs.mmap) == 0 {
		return nil
	}
	if err := unix.Msync(vs.mmap, unix.MS_SYNC); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "msync vectors.dat", err)
	}
	return nil
}

// Checkpoint persists the id->offset index and truncates the WAL. Safe to
// call periodically (e.g. when the WAL crosses ShouldCheckpoint's
// threshold) to bound cold-start replay time.
func (vs *VectorStore) Checkpoint() error {
	if err := vs.Flush(); err != nil {
		return err
	}
	if err := SaveShardedIndex(vectorsIdxPath(vs.dir), vs.index); err != nil {
		return err
	}
	return vs.wal.Clear()
}

func (vs *VectorStore) ShouldCheckpoint() bool { return vs.wal.ShouldCheckpoint() }

// Compact rewrites vectors.dat with only live vectors, reclaiming the
// bytes occupied by overwritten and deleted entries. Returns bytes
// reclaimed.
func (vs *VectorStore) Compact() (int64, error) {
	type entry struct {
		id     uint64
		offset int64
	}
	var entries []entry
	vs.index.Each(func(id uint64, offset int64) {
		entries = append(entries, entry{id: id, offset: offset})
	})

	vs.mmapLock.Lock()
	defer vs.mmapLock.Unlock()

	byteLen := vs.vectorByteLen()
	tmpPath := vectorsDatPath(vs.dir) + ".compact.tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "create compaction temp file", err)
	}

	newOffsets := make(map[uint64]int64, len(entries))
	var newTotal int64
	for _, e := range entries {
		if e.offset < 0 || e.offset+int64(byteLen) > int64(len(vs.mmap)) {
			continue
		}
		data := vs.mmap[e.offset : e.offset+int64(byteLen)]
		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			return 0, verrors.Wrap(verrors.IO, "vectorstore", "write compacted vector", err)
		}
		newOffsets[e.id] = newTotal
		newTotal += int64(byteLen)
	}

	mapSize := newTotal
	if mapSize < minDataFileSize {
		mapSize = minDataFileSize
	}
	if err := tmpFile.Truncate(mapSize); err != nil {
		tmpFile.Close()
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "size compacted data file", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "fsync compacted data file", err)
	}
	tmpFile.Close()

	oldLen := int64(len(vs.mmap))
	if err := syscall.Munmap(vs.mmap); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "munmap before compaction swap", err)
	}
	if err := vs.dataFile.Close(); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "close old data file", err)
	}
	if err := os.Rename(tmpPath, vectorsDatPath(vs.dir)); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "rename compacted data file into place", err)
	}

	newFile, err := os.OpenFile(vectorsDatPath(vs.dir), os.O_RDWR, 0666)
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "reopen compacted data file", err)
	}
	newMmap, err := syscall.Mmap(int(newFile.Fd()), 0, int(mapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		newFile.Close()
		return 0, verrors.Wrap(verrors.IO, "vectorstore", "remap compacted data file", err)
	}

	vs.dataFile = newFile
	vs.mmap = newMmap
	vs.nextOffset.Store(newTotal)
	atomic.AddUint64(&vs.remapEpoch, 1)

	for id, offset := range newOffsets {
		vs.index.Set(id, offset)
	}

	reclaimed := oldLen - mapSize
	if reclaimed < 0 {
		reclaimed = 0
	}
	vs.metrics.RecordCompaction(reclaimed)
	return reclaimed, nil
}

// IDs returns every stored vector id, in per-shard ascending order.
func (vs *VectorStore) IDs() []uint64 {
	out := make([]uint64, 0, vs.index.Len())
	vs.index.Each(func(id uint64, _ int64) {
		out = append(out, id)
	})
	return out
}

func (vs *VectorStore) FragmentationRatio() float64 { return vs.metrics.FragmentationRatio() }
func (vs *VectorStore) Metrics() *StorageMetrics    { return vs.metrics }
func (vs *VectorStore) Len() int                    { return vs.index.Len() }
func (vs *VectorStore) Dimension() int              { return vs.dimension }

// Close attempts (in order) a WAL flush, WAL fsync, and mmap flush, then
// unmaps and closes the data file. Any failure is returned but never
// panics; callers in drop-like paths should log and continue.
func (vs *VectorStore) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(vs.wal.Sync())
	record(vs.Flush())
	record(SaveShardedIndex(vectorsIdxPath(vs.dir), vs.index))

	vs.mmapLock.Lock()
	if len(vs.mmap) > 0 {
		record(syscall.Munmap(vs.mmap))
		vs.mmap = nil
	}
	vs.mmapLock.Unlock()

	record(vs.dataFile.Close())
	record(vs.wal.Close())
	return firstErr
}
