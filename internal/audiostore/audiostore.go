// Package audiostore persists finalized utterance audio on local disk.
//
// Layout under the root directory:
//
//	sessions/{session_id}/{utterance_id}.pcm        raw 16-bit mono PCM
//	sessions/{session_id}/{utterance_id}.meta.json  utterance metadata
//
// Blobs are immutable once written. Writes go through a temp file and
// rename, so a crash never leaves a torn payload that could later be
// transcribed as garbage.
package audiostore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

const (
	pcmExt  = ".pcm"
	metaExt = ".meta.json"
)

// Store is the on-disk audio blob store. Safe for concurrent use: every
// utterance gets its own pair of files and session directories are only
// removed by the retention sweeper.
type Store struct {
	root string
}

// New opens (creating if needed) the sessions directory under dataDir.
func New(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "create audio dir")
	}
	return &Store{root: root}, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// SaveUtterance persists the PCM payload and metadata for one utterance
// and fills in u.PayloadPath with the blob's absolute location.
func (s *Store) SaveUtterance(u *types.Utterance, pcm []byte) error {
	if !validID(u.SessionID) || !validID(u.ID) {
		return fault.New(fault.KindInvalid, "bad utterance id %q/%q", u.SessionID, u.ID)
	}
	dir := s.sessionDir(u.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindInternal, err, "create session dir")
	}

	blob := filepath.Join(dir, u.ID+pcmExt)
	if err := writeAtomic(blob, pcm); err != nil {
		return fault.Wrap(fault.KindInternal, err, "write audio blob")
	}
	u.PayloadPath = blob

	meta, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode utterance meta")
	}
	if err := writeAtomic(filepath.Join(dir, u.ID+metaExt), meta); err != nil {
		return fault.Wrap(fault.KindInternal, err, "write utterance meta")
	}
	return nil
}

// ReadPCM loads the raw payload for one utterance.
func (s *Store) ReadPCM(sessionID, utteranceID string) ([]byte, error) {
	if !validID(sessionID) || !validID(utteranceID) {
		return nil, fault.New(fault.KindInvalid, "bad utterance id %q/%q", sessionID, utteranceID)
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), utteranceID+pcmExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.KindNotFound, "utterance audio %s/%s", sessionID, utteranceID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "read audio blob")
	}
	return data, nil
}

// Utterances returns the stored metadata for one session in ordinal order.
// A session with no stored audio yields an empty slice, not an error.
func (s *Store) Utterances(sessionID string) ([]*types.Utterance, error) {
	if !validID(sessionID) {
		return nil, fault.New(fault.KindInvalid, "bad session id %q", sessionID)
	}
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "list session audio")
	}

	var out []*types.Utterance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), e.Name()))
		if err != nil {
			continue
		}
		var u types.Utterance
		if err := json.Unmarshal(data, &u); err != nil {
			continue
		}
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// DeleteSession removes all stored audio for one session. Deleting a
// session that has none is not an error.
func (s *Store) DeleteSession(sessionID string) error {
	if !validID(sessionID) {
		return fault.New(fault.KindInvalid, "bad session id %q", sessionID)
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fault.Wrap(fault.KindInternal, err, "delete session audio")
	}
	return nil
}

// DeleteOlderThan removes session directories whose newest utterance
// started before the cutoff, returning how many sessions were dropped.
// The retention sweeper calls this on a schedule.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, err, "list sessions")
	}

	var n int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		utts, err := s.Utterances(e.Name())
		if err != nil {
			continue
		}
		var newest time.Time
		for _, u := range utts {
			if u.StartedAt.After(newest) {
				newest = u.StartedAt
			}
		}
		if newest.IsZero() {
			newest = dirModTime(filepath.Join(s.root, e.Name()))
		}
		if newest.Before(cutoff) {
			if err := s.DeleteSession(e.Name()); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// dirModTime falls back to the directory mtime for sessions whose metadata
// is unreadable, so a corrupted session still ages out.
func dirModTime(dir string) time.Time {
	fi, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
