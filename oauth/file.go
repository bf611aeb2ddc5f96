package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the credential in a JSON file, typically on a volume shared
// with the ingestion service. Writes go to a temp file that is renamed over the
// original, so readers never see a partial document. CompareAndSwap is atomic
// within this process; across processes the rename keeps the file consistent
// and the loser's next Load sees the winner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (Credential, error) {
	return s.read()
}

func (s *FileStore) CompareAndSwap(ctx context.Context, old, next Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.read()
	if err != nil {
		return Credential{}, err
	}
	if cur.RefreshToken != old.RefreshToken {
		return cur, ErrCASConflict
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = cur.CreatedAt
	}
	if err := s.write(next); err != nil {
		return Credential{}, err
	}
	return next, nil
}

func (s *FileStore) Save(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(c)
}

func (s *FileStore) read() (Credential, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, fmt.Errorf("%w: %s", ErrNoCredentials, s.path)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return Credential{}, fmt.Errorf("parse token file %s: %w", s.path, err)
	}
	if err := c.valid(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

func (s *FileStore) write(c Credential) error {
	if err := c.valid(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
