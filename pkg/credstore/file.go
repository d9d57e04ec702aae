package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Skotchmaster/storefront/pkg/logging"
)

type fileDoc struct {
	Access  string `json:"access_token,omitempty"`
	Refresh string `json:"refresh_token,omitempty"`
}

// FileStore keeps the token pair in a JSON document on disk so that it
// survives process restarts.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is $XDG_CONFIG_HOME/storefront/credentials.json (or the OS equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "storefront", "credentials.json"), nil
}

func (s *FileStore) SetTokens(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(fileDoc{Access: access, Refresh: refresh}); err != nil {
		logging.FromContext(ctx).Warn("credstore_write_failed", "store", "file", "path", s.path, "error", err)
	}
}

func (s *FileStore) Access(ctx context.Context) (string, bool) {
	doc := s.read(ctx)
	return doc.Access, doc.Access != ""
}

func (s *FileStore) Refresh(ctx context.Context) (string, bool) {
	doc := s.read(ctx)
	return doc.Refresh, doc.Refresh != ""
}

func (s *FileStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("credstore_clear_failed", "store", "file", "path", s.path, "error", err)
	}
}

func (s *FileStore) read(ctx context.Context) fileDoc {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc fileDoc
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.FromContext(ctx).Warn("credstore_read_failed", "store", "file", "path", s.path, "error", err)
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.FromContext(ctx).Warn("credstore_read_failed", "store", "file", "path", s.path, "reason", "corrupt document", "error", err)
		return fileDoc{}
	}
	return doc
}

// write replaces the document atomically: a crash never leaves half a token pair behind.
func (s *FileStore) write(doc fileDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
