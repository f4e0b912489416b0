package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/lysis/pkg/llm"
)

// managerSession is the session ID the manager transcript is saved under
const managerSession = "manager"

// HistoryStore persists conversation transcripts by session ID
type HistoryStore interface {
	Save(id string, messages []llm.Message) error
	// Load returns nil when the session does not exist
	Load(id string) ([]llm.Message, error)
	Delete(id string) error
	List() ([]string, error)
}

// FileStore implements HistoryStore using one JSON file per session
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// persistedSession represents the serializable state of a transcript
type persistedSession struct {
	ID        string        `json:"id"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewFileStore creates a new file-based history store
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id: %q", id)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}

// Save persists a transcript to disk
func (s *FileStore) Save(id string, messages []llm.Message) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(persistedSession{ID: id, Messages: messages, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Load reads a transcript from disk
func (s *FileStore) Load(id string) ([]llm.Message, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var p persistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return p.Messages, nil
}

// Delete removes a transcript from disk
func (s *FileStore) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// List returns the IDs of all persisted sessions
func (s *FileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryStore implements HistoryStore in process memory
type MemoryStore struct {
	sessions map[string][]llm.Message
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty history store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]llm.Message)}
}

func (s *MemoryStore) Save(id string, messages []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = append([]llm.Message(nil), messages...)
	return nil
}

func (s *MemoryStore) Load(id string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return append([]llm.Message(nil), msgs...), nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
