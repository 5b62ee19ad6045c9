package storage

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
	"github.com/google/btree"
)

// numShards is the fixed shard count for the id->offset index.
const numShards = 32

// idOffsetItem is a btree.Item ordering entries by point id, following the
// btree package's Item/Less convention.
type idOffsetItem struct {
	id     uint64
	offset int64
}

func (it idOffsetItem) Less(other btree.Item) bool {
	return it.id < other.(idOffsetItem).id
}

type idShard struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// ShardedIndex is the sharded id->offset map behind the vector store: reads
// take only the target shard's read lock, writes take only the target
// shard's write lock, and cross-shard consistency is not required because
// each id lives in exactly one shard.
type ShardedIndex struct {
	shards [numShards]*idShard
}

func NewShardedIndex() *ShardedIndex {
	idx := &ShardedIndex{}
	for i := range idx.shards {
		idx.shards[i] = &idShard{tree: btree.New(32)}
	}
	return idx
}

func shardFor(id uint64) uint64 { return id % numShards }

func (idx *ShardedIndex) Get(id uint64) (int64, bool) {
	s := idx.shards[shardFor(id)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(idOffsetItem{id: id})
	if item == nil {
		return 0, false
	}
	return item.(idOffsetItem).offset, true
}

func (idx *ShardedIndex) Set(id uint64, offset int64) {
	s := idx.shards[shardFor(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(idOffsetItem{id: id, offset: offset})
}

func (idx *ShardedIndex) Delete(id uint64) {
	s := idx.shards[shardFor(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(idOffsetItem{id: id})
}

func (idx *ShardedIndex) Len() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		total += s.tree.Len()
		s.mu.RUnlock()
	}
	return total
}

// Each calls fn for every (id, offset) pair across all shards, shard by
// shard in ascending id order within each shard. Used by compaction and by
// index persistence.
func (idx *ShardedIndex) Each(fn func(id uint64, offset int64)) {
	for _, s := range idx.shards {
		s.mu.RLock()
		s.tree.Ascend(func(i btree.Item) bool {
			it := i.(idOffsetItem)
			fn(it.id, it.offset)
			return true
		})
		s.mu.RUnlock()
	}
}

const idxMagic = "VIDX"
const idxVersion = 1

// SaveShardedIndex persists the index to `vectors.idx`: a magic/version
// header, a flat list of (id, offset) pairs, and a trailing CRC32 over the
// preceding bytes. The format only needs to round-trip the id->offset map
// with a checksum. Written to a temp file and renamed so a crash mid-write never
// leaves a corrupt vectors.idx in place (the WAL is replayed as a fallback
// anyway, but this keeps cold-start on the common path).
func SaveShardedIndex(path string, idx *ShardedIndex) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "create index temp file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if _, err := mw.Write([]byte(idxMagic)); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "write index magic", err)
	}
	if _, err := mw.Write([]byte{idxVersion}); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "write index version", err)
	}

	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, uint64(idx.Len()))
	if _, err := mw.Write(countBuf); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "write index count", err)
	}

	entry := make([]byte, 16)
	var writeErr error
	idx.Each(func(id uint64, offset int64) {
		if writeErr != nil {
			return
		}
		binary.LittleEndian.PutUint64(entry[0:8], id)
		binary.LittleEndian.PutUint64(entry[8:16], uint64(offset))
		if _, err := mw.Write(entry); err != nil {
			writeErr = err
		}
	})
	if writeErr != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "write index entry", writeErr)
	}

	sum := crc.Sum32()
	sumBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumBuf, sum)
	if _, err := w.Write(sumBuf); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "write index checksum", err)
	}
	if err := w.Flush(); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "flush index", err)
	}
	if err := f.Sync(); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "fsync index", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return verrors.Wrap(verrors.IO, "vectorstore", "rename index into place", err)
	}
	return nil
}

// LoadShardedIndex reads a vectors.idx file written by SaveShardedIndex. A
// missing file is not an error; the caller falls back to WAL replay, which
// is always correct, just slower.
func LoadShardedIndex(path string) (*ShardedIndex, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, verrors.Wrap(verrors.IO, "vectorstore", "read index file", err)
	}
	if len(data) < 5+8+4 {
		return nil, false, verrors.New(verrors.Corruption, "vectorstore", "index file too short")
	}
	if string(data[0:4]) != idxMagic {
		return nil, false, verrors.New(verrors.Corruption, "vectorstore", "bad index magic")
	}
	if data[4] != idxVersion {
		return nil, false, verrors.New(verrors.Corruption, "vectorstore", "unsupported index version")
	}
	count := binary.LittleEndian.Uint64(data[5:13])
	expectedLen := 13 + int(count)*16 + 4
	if expectedLen != len(data) {
		return nil, false, verrors.New(verrors.Corruption, "vectorstore", "index file size mismatch")
	}

	body := data[:len(data)-4]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return nil, false, verrors.New(verrors.CrcMismatch, "vectorstore", "index checksum mismatch")
	}

	idx := NewShardedIndex()
	off := 13
	for i := uint64(0); i < count; i++ {
		id := binary.LittleEndian.Uint64(data[off : off+8])
		offset := int64(binary.LittleEndian.Uint64(data[off+8 : off+16]))
		idx.Set(id, offset)
		off += 16
	}
	return idx, true, nil
}
