package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingJSONLStore appends entries to a JSONL file rotated by lumberjack.
// Queries scan the active file and its backups.
type RotatingJSONLStore struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	path   string
	run    string
	seen   map[int64]bool
}

// NewRotatingJSONLStore creates a store with rotation limits in megabytes and
// days. Entries of earlier runs stay queryable; duplicates are rejected within
// the run started by this call.
func NewRotatingJSONLStore(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingJSONLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl ledger: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &RotatingJSONLStore{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		},
		path: path,
		run:  uuid.NewString(),
		seen: make(map[int64]bool),
	}
	return s, nil
}

// Append writes the entry and triggers rotation if needed.
func (s *RotatingJSONLStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[e.ParticipationID] {
		return fmt.Errorf("participation %d: %w", e.ParticipationID, ErrDuplicate)
	}
	e.Run = s.run
	if err := json.NewEncoder(s.logger).Encode(e); err != nil {
		return err
	}
	s.seen[e.ParticipationID] = true
	return nil
}

// Query reads all ledger files including rotated ones, ordered by settlement time.
func (s *RotatingJSONLStore) Query(_ context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(q)
}

func (s *RotatingJSONLStore) scan(q Query) ([]Entry, error) {
	ext := filepath.Ext(s.path)
	base := s.path[:len(s.path)-len(ext)]
	files, err := filepath.Glob(base + "*")
	if err != nil {
		return nil, err
	}
	var res []Entry
	for _, f := range files {
		file, err := os.Open(f)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(file)
		for sc.Scan() {
			var e Entry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				continue
			}
			if q.Match(e) {
				res = append(res, e)
			}
		}
		_ = file.Close()
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].SettledAt.Before(res[j].SettledAt) })
	return res, nil
}

// Close closes the underlying writer.
func (s *RotatingJSONLStore) Close() error { return s.logger.Close() }
