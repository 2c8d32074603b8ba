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

	logx "taskwarden/pkg/logx"
)

// fileStore appends runs to <prefix>.runs.jsonl and keeps the newest ones in memory.
// The file is compacted to the retained tail once it holds twice as many lines.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu    sync.Mutex
	f     *os.File
	lines int
	tail  []RunRecord // oldest first, at most retain
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:    log,
		path:   filepath.Join(dir, base) + ".runs.jsonl",
		retain: cfg.retain(),
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.lines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// a torn last write is expected after a crash
			continue
		}
		s.push(r)
	}
	return sc.Err()
}

func (s *fileStore) push(r RunRecord) {
	s.tail = append(s.tail, r)
	if len(s.tail) > s.retain {
		s.tail = append(s.tail[:0], s.tail[len(s.tail)-s.retain:]...)
	}
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r = normalize(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	s.push(r)

	if s.lines >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.tail) {
		limit = len(s.tail)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.tail[i])
	}
	return out, nil
}

// compactLocked rewrites the file with the in-memory tail (tmp file + rename).
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.tail)
	return nil
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
