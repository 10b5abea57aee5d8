package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ordernotify/internal/delivery"
	logx "ordernotify/pkg/logx"
)

// fileStore persists records without a database.
//
// Files:
//   - <prefix>.status.snapshot.json (compacted map order_id -> record)
//   - <prefix>.status.journal.jsonl (append-only, one full record per write)
//
// On open the journal is replayed over the snapshot; the last record per
// order wins. The journal is compacted every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]delivery.Status

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (StatusStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".status.snapshot.json"
	journalPath := prefix + ".status.journal.jsonl"

	recs := map[string]delivery.Status{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("status snapshot unreadable, starting from journal", logx.Err(err))
	}
	n, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("status journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
		compactEvery: 500,
	}
	if n > 0 {
		s.mu.Lock()
		if err := s.compactLocked(); err != nil {
			log.Debug("status compact failed", logx.Err(err))
		}
		s.mu.Unlock()
	}
	log.Debug("file status store opened", logx.String("path", prefix), logx.Int("records", len(recs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(_ context.Context, orderID string) (delivery.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return delivery.Status{}, false, ErrClosed
	}
	st, ok := s.recs[orderID]
	return st, ok, nil
}

func (s *fileStore) GetMany(_ context.Context, ids []string) (map[string]delivery.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[string]delivery.Status, len(ids))
	for _, id := range ids {
		if st, ok := s.recs[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (s *fileStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return s.apply(id, sentT(id, at))
}

func (s *fileStore) MarkFailed(_ context.Context, id, msg string, at time.Time) error {
	return s.apply(id, failedT(id, msg, at))
}

func (s *fileStore) MarkFollowUpSent(_ context.Context, id string, at time.Time) error {
	return s.apply(id, followUpT(id, at))
}

func (s *fileStore) MarkReadySent(_ context.Context, id string, at time.Time) error {
	return s.apply(id, readySentT(id, at))
}

func (s *fileStore) MarkReadyFailed(_ context.Context, id, msg string, at time.Time) error {
	return s.apply(id, readyFailedT(id, msg, at))
}

func (s *fileStore) apply(id string, fn transition) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	cur, ok := s.recs[id]
	next := fn(cur, ok)

	// Journal first: memory never runs ahead of disk.
	if err := json.NewEncoder(s.journal).Encode(next); err != nil {
		return err
	}
	s.recs[id] = next

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("status compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]delivery.Status) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]delivery.Status
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]delivery.Status) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r delivery.Status
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write after a crash.
			continue
		}
		if r.OrderID == "" {
			continue
		}
		out[r.OrderID] = r
		n++
	}
	return n, sc.Err()
}
