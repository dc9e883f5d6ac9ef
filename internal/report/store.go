package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SummaryStore keeps the latest run summary on disk. The engine never reads
// it back; it is for operators and the confirm tool.
type SummaryStore struct {
	path string
	mu   sync.Mutex
}

func NewSummaryStore(path string) *SummaryStore {
	return &SummaryStore{path: path}
}

// Load returns nil without error when no run has been recorded yet.
func (s *SummaryStore) Load() (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *SummaryStore) Save(sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("summary rename: %w", err)
	}
	return nil
}
