package storage

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

const (
	snapshotMagic       = "VSNP"
	snapshotVersion     = 1
	snapshotHeaderLen   = 4 + 1 + 8 + 8 // magic+version+wal_pos+entry_count
	snapshotEntryLen    = 16            // id u64 + offset u64
	snapshotChecksumLen = 4
)

// SaveSnapshot writes payloads.snapshot:
//
//	[magic="VSNP" 4B][version=1 1B][wal_pos u64 LE][entry_count u64 LE]
//	[entry: (id u64 LE, offset u64 LE) x entry_count]
//	[crc32 u32 LE]  // over all preceding bytes
//
// Written to a temp file and renamed into place so a crash mid-write never
// leaves a corrupt snapshot; cold start falls back to full WAL replay on
// any load failure anyway.
func SaveSnapshot(path string, walPos int64, index map[uint64]int64) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "create snapshot temp file", err)
	}
	defer f.Close()

	body := make([]byte, snapshotHeaderLen+len(index)*snapshotEntryLen)
	copy(body[0:4], []byte(snapshotMagic))
	body[4] = snapshotVersion
	binary.LittleEndian.PutUint64(body[5:13], uint64(walPos))
	binary.LittleEndian.PutUint64(body[13:21], uint64(len(index)))

	off := snapshotHeaderLen
	for id, offset := range index {
		binary.LittleEndian.PutUint64(body[off:off+8], id)
		binary.LittleEndian.PutUint64(body[off+8:off+16], uint64(offset))
		off += snapshotEntryLen
	}

	if _, err := f.Write(body); err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "write snapshot body", err)
	}

	sum := crc32.ChecksumIEEE(body)
	sumBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sumBuf, sum)
	if _, err := f.Write(sumBuf); err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "write snapshot checksum", err)
	}
	if err := f.Sync(); err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "fsync snapshot", err)
	}
	if err := f.Close(); err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "close snapshot temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return verrors.Wrap(verrors.IO, "snapshot", "rename snapshot into place", err)
	}
	return nil
}

// LoadSnapshot reads and validates payloads.snapshot. A missing file
// returns ok=false, err=nil so the caller falls back to full WAL replay;
// any structural problem (short file, bad magic/version, size mismatch,
// bad checksum) is reported as an error so the caller can do the same.
func LoadSnapshot(path string) (map[uint64]int64, int64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, false, nil
		}
		return nil, 0, false, verrors.Wrap(verrors.IO, "snapshot", "read snapshot file", err)
	}
	if len(data) < snapshotHeaderLen+snapshotChecksumLen {
		return nil, 0, false, verrors.New(verrors.Corruption, "snapshot", "snapshot file too short")
	}
	if string(data[0:4]) != snapshotMagic {
		return nil, 0, false, verrors.New(verrors.Corruption, "snapshot", "bad snapshot magic")
	}
	if data[4] != snapshotVersion {
		return nil, 0, false, verrors.New(verrors.Corruption, "snapshot", "unsupported snapshot version")
	}

	walPos := int64(binary.LittleEndian.Uint64(data[5:13]))
	entryCount := binary.LittleEndian.Uint64(data[13:21])

	maxEntries := uint64(0)
	if int64(len(data)) > snapshotHeaderLen+snapshotChecksumLen {
		maxEntries = (uint64(len(data)) - snapshotHeaderLen - snapshotChecksumLen) / snapshotEntryLen
	}
	if entryCount > maxEntries {
		return nil, 0, false, verrors.New(verrors.Corruption, "snapshot", "entry count exceeds file size")
	}

	expectedLen := snapshotHeaderLen + int(entryCount)*snapshotEntryLen + snapshotChecksumLen
	if expectedLen != len(data) {
		return nil, 0, false, verrors.New(verrors.Corruption, "snapshot", "snapshot file size mismatch")
	}

	body := data[:len(data)-snapshotChecksumLen]
	wantSum := binary.LittleEndian.Uint32(data[len(data)-snapshotChecksumLen:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return nil, 0, false, verrors.New(verrors.CrcMismatch, "snapshot", "snapshot checksum mismatch")
	}

	index := make(map[uint64]int64, entryCount)
	off := snapshotHeaderLen
	for i := uint64(0); i < entryCount; i++ {
		id := binary.LittleEndian.Uint64(data[off : off+8])
		offset := int64(binary.LittleEndian.Uint64(data[off+8 : off+16]))
		index[id] = offset
		off += snapshotEntryLen
	}
	return index, walPos, true, nil
}
