package storage

import (
	"sync"
	"sync/atomic"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// VectorSliceGuard is a zero-copy borrow into the vector mmap. It holds
// the mmap's read lock alive for its lifetime and captures
// the remap epoch at construction time; every dereference re-checks the
// epoch so a resize that happened after the borrow was taken is caught
// deterministically instead of returning bytes from a stale mapping.
type VectorSliceGuard struct {
	release        func()
	releaseOnce    sync.Once
	data           []float32
	epochPtr       *uint64
	epochAtCapture uint64
}

func newVectorSliceGuard(data []float32, epochPtr *uint64, release func()) *VectorSliceGuard {
	return &VectorSliceGuard{
		release:        release,
		data:           data,
		epochPtr:       epochPtr,
		epochAtCapture: atomic.LoadUint64(epochPtr),
	}
}

// Slice returns the borrowed vector, or an error if the backing mmap has
// been remapped since the guard was created.
func (g *VectorSliceGuard) Slice() ([]float32, error) {
	if atomic.LoadUint64(g.epochPtr) != g.epochAtCapture {
		return nil, verrors.New(verrors.IO, "vectorstore",
			"vector slice guard invalidated by concurrent remap")
	}
	return g.data, nil
}

// Release drops the guard's hold on the mmap read lock. Safe to call more
// than once; only the first call has effect.
func (g *VectorSliceGuard) Release() {
	g.releaseOnce.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}
