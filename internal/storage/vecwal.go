package storage

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

// Vector WAL record markers. Every record is written
// pending, fsynced, and only marked committed after the corresponding mmap
// write has landed, so replay after a crash never trusts a half-applied
// write.
const (
	vecWALMarkerStore  byte = 1
	vecWALMarkerDelete byte = 2
)

const (
	vecWALFlagPending byte = 'P'
	vecWALFlagCommit  byte = 'C'
)

// vecWALHeaderLen is [marker 1B][flag 1B][id 8B LE][vecLen u32 LE].
const vecWALHeaderLen = 1 + 1 + 8 + 4

// VecWAL is the write-ahead log backing vector storage (vectors.wal).
// Every store/delete is durable here before the in-memory index or mmap is
// updated.
type VecWAL struct {
	file *os.File
	lock sync.Mutex
}

func OpenVecWAL(path string) (*VecWAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "vecwal", "open vector wal", err)
	}
	return &VecWAL{file: f}, nil
}

// WriteStore appends a pending store record and returns the file offset of
// its flag byte, so the caller can mark it committed after the mmap write
// succeeds.
func (w *VecWAL) WriteStore(id uint64, vec []float32) (int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	pos, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "seek to end", err)
	}

	buf := make([]byte, vecWALHeaderLen+len(vec)*4)
	buf[0] = vecWALMarkerStore
	buf[1] = vecWALFlagPending
	binary.LittleEndian.PutUint64(buf[2:10], id)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(vec)))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[vecWALHeaderLen+i*4:vecWALHeaderLen+i*4+4], math.Float32bits(f))
	}

	if _, err := w.file.Write(buf); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "write store record", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "fsync store record", err)
	}
	return pos + 1, nil
}

// WriteDelete appends a pending delete record and returns its flag offset.
func (w *VecWAL) WriteDelete(id uint64) (int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	pos, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "seek to end", err)
	}

	buf := make([]byte, vecWALHeaderLen)
	buf[0] = vecWALMarkerDelete
	buf[1] = vecWALFlagPending
	binary.LittleEndian.PutUint64(buf[2:10], id)
	binary.LittleEndian.PutUint32(buf[10:14], 0)

	if _, err := w.file.Write(buf); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "write delete record", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, verrors.Wrap(verrors.IO, "vecwal", "fsync delete record", err)
	}
	return pos + 1, nil
}

// MarkCommitted overwrites the flag byte at flagOffset with 'C'.
func (w *VecWAL) MarkCommitted(flagOffset int64) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, err := w.file.Seek(flagOffset, io.SeekStart); err != nil {
		return verrors.Wrap(verrors.IO, "vecwal", "seek to flag", err)
	}
	if _, err := w.file.Write([]byte{vecWALFlagCommit}); err != nil {
		return verrors.Wrap(verrors.IO, "vecwal", "write commit flag", err)
	}
	return w.file.Sync()
}

// VecWALRecord is one decoded WAL entry, as produced by Replay.
type VecWALRecord struct {
	Marker    byte
	Committed bool
	ID        uint64
	Vector    []float32
}

// Replay reads every record from the start of the file, including pending
// (uncommitted) ones, and lets the caller decide how to reconcile them: a
// pending store is re-applied (it may or may not have reached the mmap), a
// committed one is guaranteed already reflected in vectors.dat.
func (w *VecWAL) Replay() ([]VecWALRecord, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, verrors.Wrap(verrors.IO, "vecwal", "seek to start", err)
	}

	var records []VecWALRecord
	for {
		header := make([]byte, vecWALHeaderLen)
		if _, err := io.ReadFull(w.file, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, verrors.Wrap(verrors.IO, "vecwal", "read record header", err)
		}

		marker := header[0]
		committed := header[1] == vecWALFlagCommit
		id := binary.LittleEndian.Uint64(header[2:10])
		vecLen := binary.LittleEndian.Uint32(header[10:14])

		var vec []float32
		if marker == vecWALMarkerStore {
			raw := make([]byte, int(vecLen)*4)
			if _, err := io.ReadFull(w.file, raw); err != nil {
				if err == io.ErrUnexpectedEOF {
					break
				}
				return nil, verrors.Wrap(verrors.IO, "vecwal", "read record body", err)
			}
			vec = make([]float32, vecLen)
			for i := range vec {
				vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			}
		}

		records = append(records, VecWALRecord{Marker: marker, Committed: committed, ID: id, Vector: vec})
	}
	return records, nil
}

// Clear truncates the WAL, used after a successful checkpoint/snapshot.
func (w *VecWAL) Clear() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return verrors.Wrap(verrors.IO, "vecwal", "truncate wal", err)
	}
	_, err := w.file.Seek(0, io.SeekStart)
	if err != nil {
		return verrors.Wrap(verrors.IO, "vecwal", "seek after truncate", err)
	}
	return nil
}

// ShouldCheckpoint reports whether the WAL has grown large enough to
// warrant a fresh index snapshot.
func (w *VecWAL) ShouldCheckpoint() bool {
	info, err := w.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() > 16*1024*1024
}

func (w *VecWAL) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.file.Close()
}

func (w *VecWAL) Sync() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.file.Sync()
}
