package audiostore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func utt(sessionID, id string, ordinal int, started time.Time) *types.Utterance {
	return &types.Utterance{
		ID:         id,
		SessionID:  sessionID,
		SampleRate: 16000,
		Ordinal:    ordinal,
		StartedAt:  started,
	}
}

func TestSaveAndReadPCM(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 1600)

	u := utt("sess-1", "utt-1", 0, time.Now())
	if err := s.SaveUtterance(u, pcm); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}
	if u.PayloadPath == "" {
		t.Fatal("SaveUtterance must fill in PayloadPath")
	}
	if _, err := os.Stat(u.PayloadPath); err != nil {
		t.Fatalf("payload file missing: %v", err)
	}

	got, err := s.ReadPCM("sess-1", "utt-1")
	if err != nil {
		t.Fatalf("ReadPCM: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("read payload differs from what was written")
	}
}

func TestReadPCM_Missing(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.ReadPCM("sess-1", "nope")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("got %v, want KindNotFound", err)
	}
}

func TestSaveUtterance_RejectsPathTraversal(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	u := utt("../escape", "utt-1", 0, time.Now())
	if err := s.SaveUtterance(u, []byte{0, 0}); !fault.IsKind(err, fault.KindInvalid) {
		t.Fatalf("got %v, want KindInvalid", err)
	}
	u = utt("sess-1", `..\utt`, 0, time.Now())
	if err := s.SaveUtterance(u, []byte{0, 0}); !fault.IsKind(err, fault.KindInvalid) {
		t.Fatalf("got %v, want KindInvalid", err)
	}
}

func TestUtterances_SortedByOrdinal(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	now := time.Now()

	for _, u := range []*types.Utterance{
		utt("sess-1", "utt-c", 2, now),
		utt("sess-1", "utt-a", 0, now),
		utt("sess-1", "utt-b", 1, now),
	} {
		if err := s.SaveUtterance(u, []byte{0, 0}); err != nil {
			t.Fatalf("SaveUtterance %s: %v", u.ID, err)
		}
	}

	utts, err := s.Utterances("sess-1")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 3 {
		t.Fatalf("got %d utterances, want 3", len(utts))
	}
	for i, want := range []string{"utt-a", "utt-b", "utt-c"} {
		if utts[i].ID != want {
			t.Errorf("utterance[%d] = %s, want %s", i, utts[i].ID, want)
		}
	}
}

func TestUtterances_UnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	utts, err := s.Utterances("never-seen")
	if err != nil {
		t.Fatalf("Utterances: %v", err)
	}
	if len(utts) != 0 {
		t.Errorf("got %d utterances, want 0", len(utts))
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	u := utt("sess-1", "utt-1", 0, time.Now())
	if err := s.SaveUtterance(u, []byte{0, 0}); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}
	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.ReadPCM("sess-1", "utt-1"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("got %v, want KindNotFound after delete", err)
	}
	// Idempotent.
	if err := s.DeleteSession("sess-1"); err != nil {
		t.Errorf("second DeleteSession: %v", err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	now := time.Now()

	old := utt("old-sess", "utt-1", 0, now.Add(-48*time.Hour))
	if err := s.SaveUtterance(old, []byte{0, 0}); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}
	fresh := utt("fresh-sess", "utt-1", 0, now)
	if err := s.SaveUtterance(fresh, []byte{0, 0}); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}

	n, err := s.DeleteOlderThan(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d sessions, want 1", n)
	}
	if _, err := s.ReadPCM("old-sess", "utt-1"); !fault.IsKind(err, fault.KindNotFound) {
		t.Error("old session should be gone")
	}
	if _, err := s.ReadPCM("fresh-sess", "utt-1"); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
}

func TestSaveUtterance_NoTempLeftovers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := utt("sess-1", "utt-1", 0, time.Now())
	if err := s.SaveUtterance(u, []byte{0, 0}); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}

	var tmps []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && filepath.Ext(path) == ".tmp" {
			tmps = append(tmps, path)
		}
		return nil
	})
	if len(tmps) != 0 {
		t.Errorf("temp files left behind: %v", tmps)
	}
}
