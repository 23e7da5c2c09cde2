package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "opsdash/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.audit.jsonl   (append-only JSON Lines, one cycle per line)
//   - <prefix>.dedup.json    (write-through snapshot of the dedup map)
//
// Expired dedup entries are pruned on load and on every write.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	dedupPath string
	dedup     map[string]int64 // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedupPath := prefix + ".dedup.json"
	dedup := map[string]int64{}
	if b, err := os.ReadFile(dedupPath); err == nil {
		// A corrupt snapshot just means we forget past dedup state.
		if err := json.Unmarshal(b, &dedup); err != nil {
			log.Debug("dedup snapshot corrupt; starting fresh", logx.Err(err))
			dedup = map[string]int64{}
		}
	}
	pruneExpired(dedup)

	return &fileStore{
		log:       log,
		auditFile: af,
		dedupPath: dedupPath,
		dedup:     dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	pruneExpired(s.dedup)
	return s.writeDedupLocked()
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) writeDedupLocked() error {
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	tmp := s.dedupPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.dedupPath)
}

func pruneExpired(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
