package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"refreshbot/pkg/logx"
)

// fileStore keeps two files next to Config.Path:
//   - <prefix>.queue.json    (snapshot, replaced atomically via tmp+rename)
//   - <prefix>.history.jsonl (append-only JSON Lines)
//
// The history file is rewritten to its newest HistoryKeep records once it
// grows past twice that.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	queuePath   string
	historyPath string
	historyFile *os.File
	lines       int
	keep        int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		queuePath:   prefix + ".queue.json",
		historyPath: prefix + ".history.jsonl",
		keep:        historyKeep(cfg),
	}
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return nil, err
	}
	s.lines = len(recs)

	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.historyFile = hf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) SaveQueue(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	return writeAtomic(s.queuePath, data)
}

func (s *fileStore) LoadQueue(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.queuePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (s *fileStore) AppendHistory(_ context.Context, r HistoryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.historyFile).Encode(r); err != nil {
		return err
	}
	s.lines++
	if s.lines > 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentHistory(_ context.Context, limit int) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, limit), nil
}

func (s *fileStore) CountSince(_ context.Context, since time.Time, actions ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !r.At.Before(since) && matchAction(r.Action, actions) {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) compactLocked() error {
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return err
	}
	if len(recs) > s.keep {
		recs = recs[len(recs)-s.keep:]
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := writeAtomic(s.historyPath, []byte(b.String())); err != nil {
		return err
	}
	// The old descriptor points at the replaced inode.
	_ = s.historyFile.Close()
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = hf
	s.lines = len(recs)
	return nil
}

// readHistory skips lines that fail to decode.
func readHistory(path string) ([]HistoryRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []HistoryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	for sc.Scan() {
		var r HistoryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.URL == "" {
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	return os.Rename(tmp, path)
}
