package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"tomo.ai/internal/sim/venue"
)

func TestTxLoggerRotatesHourlyAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	l := NewTxLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	for slot := uint64(1); slot <= 3; slot++ {
		if slot == 3 {
			clock = clock.Add(2 * time.Minute)
		}
		if err := l.WriteTx(venue.TxLogEntry{Venue: "primary", Slot: slot, Label: "feed", OK: true}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(filepath.Join(dir, "txs"), "txs")
	if err != nil || len(files) != 2 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var slots []uint64
	for _, f := range files {
		err := ReadLines(f, func(line []byte) error {
			var e venue.TxLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			slots = append(slots, e.Slot)
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(slots) != 3 || slots[0] != 1 || slots[2] != 3 {
		t.Fatalf("slots=%v", slots)
	}
}

func TestWriterReopensAppendedFile(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		a := NewAuditLogger(dir)
		a.w.now = clock
		if err := a.WriteAudit(AuditEntry{Session: "s", Action: "hello"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := Files(filepath.Join(dir, "audit"), "audit")
	n := 0
	if err := ReadLines(files[0], func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 {
		t.Fatalf("lines=%d want 2", n)
	}
}
