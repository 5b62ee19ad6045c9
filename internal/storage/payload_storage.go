package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

const (
	payloadMarkerStore  byte = 1
	payloadMarkerDelete byte = 2
)

// payloadStoreHeaderLen is marker(1) + id(8) + len(4) + crc32(4).
const payloadStoreHeaderLen = 1 + 8 + 4 + 4
const payloadDeleteHeaderLen = 1 + 8

// snapshotThreshold is the WAL growth (in bytes, since the last snapshot)
// that triggers a new payloads.snapshot.
const snapshotThreshold = 10 * 1024 * 1024

func payloadLogPath(dir string) string      { return filepath.Join(dir, "payloads.log") }
func payloadSnapshotPath(dir string) string { return filepath.Join(dir, "payloads.snapshot") }

// PayloadStore is the log-structured append-only id->JSON-bytes store.
// The in-memory index maps id to the offset of the record's
// `len` field; retrieve seeks there, reads len+crc, reads the payload, and
// verifies the checksum before returning it.
type PayloadStore struct {
	dir string

	writer   *os.File
	writerMu sync.Mutex

	reader   *os.File
	readerMu sync.Mutex

	index   map[uint64]int64
	indexMu sync.RWMutex

	walPos          atomic.Int64
	lastSnapshotPos atomic.Int64
}

// OpenPayloadStore opens (or creates) payloads.log, attempts a snapshot
// load, and falls back to a full WAL replay on any snapshot failure.
func OpenPayloadStore(dir string) (*PayloadStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "create collection directory", err)
	}

	writer, err := os.OpenFile(payloadLogPath(dir), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "open payloads.log for append", err)
	}
	reader, err := os.Open(payloadLogPath(dir))
	if err != nil {
		writer.Close()
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "open payloads.log for read", err)
	}

	info, err := writer.Stat()
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "stat payloads.log", err)
	}
	logSize := info.Size()

	ps := &PayloadStore{
		dir:    dir,
		writer: writer,
		reader: reader,
		index:  make(map[uint64]int64),
	}

	snapIndex, snapWALPos, ok, err := LoadSnapshot(payloadSnapshotPath(dir))
	replayFrom := int64(0)
	if err == nil && ok {
		ps.index = snapIndex
		replayFrom = snapWALPos
		ps.lastSnapshotPos.Store(snapWALPos)
	}

	if err := ps.replayRange(replayFrom, logSize); err != nil {
		return nil, err
	}
	ps.walPos.Store(logSize)

	return ps, nil
}

func (ps *PayloadStore) replayRange(from, to int64) error {
	if to <= from {
		return nil
	}
	f, err := os.Open(payloadLogPath(ps.dir))
	if err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "open payloads.log for replay", err)
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "seek for replay", err)
	}
	r := bufio.NewReader(io.LimitReader(f, to-from))
	pos := from

	for pos < to {
		marker, err := r.ReadByte()
		if err != nil {
			break
		}
		idBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			break
		}
		id := binary.LittleEndian.Uint64(idBuf)

		switch marker {
		case payloadMarkerStore:
			lenCrc := make([]byte, 8)
			if _, err := io.ReadFull(r, lenCrc); err != nil {
				return nil
			}
			length := binary.LittleEndian.Uint32(lenCrc[0:4])
			offsetOfLen := pos + 1 + 8
			data := make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil
			}
			ps.index[id] = offsetOfLen
			pos += int64(payloadStoreHeaderLen) + int64(length)
		case payloadMarkerDelete:
			delete(ps.index, id)
			pos += int64(payloadDeleteHeaderLen)
		default:
			return verrors.New(verrors.Corruption, "payloadstore", "unknown payload log record marker")
		}
	}
	return nil
}

// Store appends a new record for id, replacing any prior record's index
// entry (the old bytes are left in the log; reclaimed only by an external
// compaction/rewrite, which is out of scope here).
func (ps *PayloadStore) Store(id uint64, data []byte) error {
	crc := crc32.ChecksumIEEE(data)

	buf := make([]byte, payloadStoreHeaderLen+len(data))
	buf[0] = payloadMarkerStore
	binary.LittleEndian.PutUint64(buf[1:9], id)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[13:17], crc)
	copy(buf[17:], data)

	ps.writerMu.Lock()
	defer ps.writerMu.Unlock()

	startPos := ps.walPos.Load()
	if _, err := ps.writer.Write(buf); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "append payload record", err)
	}
	if err := ps.writer.Sync(); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "fsync payload record", err)
	}
	ps.walPos.Store(startPos + int64(len(buf)))

	ps.indexMu.Lock()
	ps.index[id] = startPos + 1 + 8
	ps.indexMu.Unlock()
	return nil
}

// Delete appends a tombstone record and removes id from the index.
func (ps *PayloadStore) Delete(id uint64) error {
	buf := make([]byte, payloadDeleteHeaderLen)
	buf[0] = payloadMarkerDelete
	binary.LittleEndian.PutUint64(buf[1:9], id)

	ps.writerMu.Lock()
	defer ps.writerMu.Unlock()

	startPos := ps.walPos.Load()
	if _, err := ps.writer.Write(buf); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "append delete record", err)
	}
	if err := ps.writer.Sync(); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "fsync delete record", err)
	}
	ps.walPos.Store(startPos + int64(len(buf)))

	ps.indexMu.Lock()
	delete(ps.index, id)
	ps.indexMu.Unlock()
	return nil
}

// PayloadEntry is one record in a BatchStore call.
type PayloadEntry struct {
	ID   uint64
	Data []byte
}

// BatchStore writes every entry's record, then fsyncs once, then updates
// index positions: one fsync per batch, not per record.
func (ps *PayloadStore) BatchStore(entries []PayloadEntry) error {
	ps.writerMu.Lock()
	defer ps.writerMu.Unlock()

	type placement struct {
		id     uint64
		offset int64
	}
	placements := make([]placement, 0, len(entries))
	pos := ps.walPos.Load()

	for _, e := range entries {
		crc := crc32.ChecksumIEEE(e.Data)
		buf := make([]byte, payloadStoreHeaderLen+len(e.Data))
		buf[0] = payloadMarkerStore
		binary.LittleEndian.PutUint64(buf[1:9], e.ID)
		binary.LittleEndian.PutUint32(buf[9:13], uint32(len(e.Data)))
		binary.LittleEndian.PutUint32(buf[13:17], crc)
		copy(buf[17:], e.Data)

		if _, err := ps.writer.Write(buf); err != nil {
			return verrors.Wrap(verrors.IO, "payloadstore", "append batched payload record", err)
		}
		placements = append(placements, placement{id: e.ID, offset: pos + 1 + 8})
		pos += int64(len(buf))
	}

	if err := ps.writer.Sync(); err != nil {
		return verrors.Wrap(verrors.IO, "payloadstore", "fsync batch", err)
	}
	ps.walPos.Store(pos)

	ps.indexMu.Lock()
	for _, p := range placements {
		ps.index[p.id] = p.offset
	}
	ps.indexMu.Unlock()
	return nil
}

// Retrieve seeks to id's recorded offset, reads len+crc, reads the
// payload, and verifies the checksum.
func (ps *PayloadStore) Retrieve(id uint64) ([]byte, error) {
	ps.indexMu.RLock()
	offset, ok := ps.index[id]
	ps.indexMu.RUnlock()
	if !ok {
		return nil, verrors.New(verrors.OffsetOutOfBounds, "payloadstore", "payload id not found")
	}

	ps.readerMu.Lock()
	defer ps.readerMu.Unlock()

	if _, err := ps.reader.Seek(offset, io.SeekStart); err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "seek to payload", err)
	}
	lenCrc := make([]byte, 8)
	if _, err := io.ReadFull(ps.reader, lenCrc); err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "read payload len/crc", err)
	}
	length := binary.LittleEndian.Uint32(lenCrc[0:4])
	wantCRC := binary.LittleEndian.Uint32(lenCrc[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(ps.reader, data); err != nil {
		return nil, verrors.Wrap(verrors.IO, "payloadstore", "read payload bytes", err)
	}
	if crc32.ChecksumIEEE(data) != wantCRC {
		return nil, verrors.New(verrors.CrcMismatch, "payloadstore", "payload checksum mismatch")
	}
	return data, nil
}

// ShouldSnapshot reports whether the WAL has grown far enough past the
// last snapshot to warrant writing a new one. Lock-free: the WAL position
// is tracked by an atomic.
func (ps *PayloadStore) ShouldSnapshot() bool {
	return ps.walPos.Load()-ps.lastSnapshotPos.Load() >= snapshotThreshold
}

// Snapshot writes payloads.snapshot capturing the current index and WAL
// position, then records the new last-snapshot position.
func (ps *PayloadStore) Snapshot() error {
	ps.indexMu.RLock()
	snapshotIndex := make(map[uint64]int64, len(ps.index))
	for k, v := range ps.index {
		snapshotIndex[k] = v
	}
	ps.indexMu.RUnlock()

	walPos := ps.walPos.Load()
	if err := SaveSnapshot(payloadSnapshotPath(ps.dir), walPos, snapshotIndex); err != nil {
		return err
	}
	ps.lastSnapshotPos.Store(walPos)
	return nil
}

// IDs returns every id with a live payload record, in no particular order.
func (ps *PayloadStore) IDs() []uint64 {
	ps.indexMu.RLock()
	defer ps.indexMu.RUnlock()
	out := make([]uint64, 0, len(ps.index))
	for id := range ps.index {
		out = append(out, id)
	}
	return out
}

// Has reports whether id currently has a payload record.
func (ps *PayloadStore) Has(id uint64) bool {
	ps.indexMu.RLock()
	defer ps.indexMu.RUnlock()
	_, ok := ps.index[id]
	return ok
}

func (ps *PayloadStore) Len() int {
	ps.indexMu.RLock()
	defer ps.indexMu.RUnlock()
	return len(ps.index)
}

func (ps *PayloadStore) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(ps.writer.Sync())
	record(ps.writer.Close())
	record(ps.reader.Close())
	return firstErr
}
