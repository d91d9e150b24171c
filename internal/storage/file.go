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

	logx "reportbot/pkg/logx"
)

// keep the in-memory tail bounded; RecentRuns never needs more.
const fileRecentCap = 200

// fileStore is a dependency-free persistence backend: an append-only JSON
// Lines file plus an in-memory tail for reads.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []RunRecord // oldest first, capped at fileRecentCap
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recent, err := loadTail(path, fileRecentCap)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, f: f, recent: recent}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if len(s.recent) > fileRecentCap {
		s.recent = s.recent[len(s.recent)-fileRecentCap:]
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]RunRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func loadTail(path string, max int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// tolerate a torn last line from a crash
			continue
		}
		out = append(out, r)
		if len(out) > max {
			out = out[len(out)-max:]
		}
	}
	return out, sc.Err()
}
