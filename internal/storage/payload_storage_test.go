package storage

import (
	"fmt"
	"os"
	"testing"

	"github.com/cyberlife-coder/velesdb/internal/verrors"
)

func TestPayloadStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ps, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ps.Close()

	want := []byte(`{"category":"tech","rank":3}`)
	if err := ps.Store(1, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := ps.Retrieve(1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("want %s, got %s", want, got)
	}

	t.Run("Delete", func(t *testing.T) {
		if err := ps.Delete(1); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := ps.Retrieve(1); err == nil {
			t.Error("deleted payload still retrievable")
		}
	})
}

func TestPayloadStoreCRCDetection(t *testing.T) {
	dir := t.TempDir()
	ps, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte(`{"name":"alpha","value":42}`)
	if err := ps.Store(1, payload); err != nil {
		t.Fatalf("store: %v", err)
	}
	ps.Close()

	// Flip one byte inside the payload bytes on disk. The record layout is
	// [marker 1][id 8][len 4][crc 4][bytes], so byte 20 is inside the data.
	logPath := dir + "/payloads.log"
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	data[20] ^= 0xff
	if err := os.WriteFile(logPath, data, 0666); err != nil {
		t.Fatalf("write corrupted log: %v", err)
	}

	ps2, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ps2.Close()

	_, err = ps2.Retrieve(1)
	if err == nil {
		t.Fatal("expected CRC error on corrupted payload")
	}
	if kind, ok := verrors.KindOf(err); !ok || kind != verrors.CrcMismatch {
		t.Errorf("expected CrcMismatch, got %v", err)
	}
}

func TestPayloadStoreSnapshotRecovery(t *testing.T) {
	dir := t.TempDir()
	ps, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 50 records, snapshot, then 50 more without a new snapshot. A reopen
	// must load the snapshot and replay only the delta, yielding all 100.
	for id := uint64(0); id < 50; id++ {
		if err := ps.Store(id, []byte(fmt.Sprintf(`{"n":%d}`, id))); err != nil {
			t.Fatalf("store %d: %v", id, err)
		}
	}
	if err := ps.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for id := uint64(50); id < 100; id++ {
		if err := ps.Store(id, []byte(fmt.Sprintf(`{"n":%d}`, id))); err != nil {
			t.Fatalf("store %d: %v", id, err)
		}
	}
	ps.Close()

	ps2, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ps2.Close()

	if ps2.Len() != 100 {
		t.Fatalf("expected 100 payloads after recovery, got %d", ps2.Len())
	}
	for id := uint64(0); id < 100; id++ {
		got, err := ps2.Retrieve(id)
		if err != nil {
			t.Fatalf("retrieve %d: %v", id, err)
		}
		want := fmt.Sprintf(`{"n":%d}`, id)
		if string(got) != want {
			t.Errorf("id %d: want %s, got %s", id, want, got)
		}
	}
}

func TestSnapshotEquivalence(t *testing.T) {
	// Two directories receive the same store/delete sequence; one
	// snapshots mid-way, the other never does. Observable state after
	// reopen must be identical (full WAL replay vs snapshot+delta).
	withSnap := t.TempDir()
	noSnap := t.TempDir()

	a, err := OpenPayloadStore(withSnap)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := OpenPayloadStore(noSnap)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	apply := func(ps *PayloadStore, snapshotAt int) {
		for i := 0; i < 60; i++ {
			id := uint64(i % 20)
			if i%7 == 3 {
				_ = ps.Delete(id)
			} else {
				if err := ps.Store(id, []byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
					t.Fatalf("store: %v", err)
				}
			}
			if i == snapshotAt {
				if err := ps.Snapshot(); err != nil {
					t.Fatalf("snapshot: %v", err)
				}
			}
		}
	}
	apply(a, 30)
	apply(b, -1)
	a.Close()
	b.Close()

	a2, err := OpenPayloadStore(withSnap)
	if err != nil {
		t.Fatalf("reopen a: %v", err)
	}
	defer a2.Close()
	b2, err := OpenPayloadStore(noSnap)
	if err != nil {
		t.Fatalf("reopen b: %v", err)
	}
	defer b2.Close()

	if a2.Len() != b2.Len() {
		t.Fatalf("lengths diverge: snapshot=%d replay=%d", a2.Len(), b2.Len())
	}
	for _, id := range b2.IDs() {
		want, err := b2.Retrieve(id)
		if err != nil {
			t.Fatalf("replay retrieve %d: %v", id, err)
		}
		got, err := a2.Retrieve(id)
		if err != nil {
			t.Fatalf("snapshot retrieve %d: %v", id, err)
		}
		if string(got) != string(want) {
			t.Errorf("id %d diverges: %s vs %s", id, got, want)
		}
	}
}

func TestPayloadStoreBatch(t *testing.T) {
	dir := t.TempDir()
	ps, err := OpenPayloadStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ps.Close()

	entries := make([]PayloadEntry, 30)
	for i := range entries {
		entries[i] = PayloadEntry{ID: uint64(i), Data: []byte(fmt.Sprintf(`{"i":%d}`, i))}
	}
	if err := ps.BatchStore(entries); err != nil {
		t.Fatalf("batch store: %v", err)
	}
	if ps.Len() != 30 {
		t.Fatalf("expected 30, got %d", ps.Len())
	}
	got, err := ps.Retrieve(17)
	if err != nil || string(got) != `{"i":17}` {
		t.Errorf("batch entry 17: %s err=%v", got, err)
	}
}
