package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/anicoll/envoy-integration/internal/pkg/model"
)

// Store is the durable side of bearer credentials. The auth strategy holds
// the live copy; the store is the source of truth across restarts.
type Store interface {
	// Load returns the cached credential for a device serial, or nil when
	// none has been saved.
	Load(ctx context.Context, serial string) (*model.BearerCredential, error)
	// Save writes through a freshly obtained credential.
	Save(ctx context.Context, cred model.BearerCredential) error
}

// FileStore keeps credentials in a single JSON file keyed by device serial.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context, serial string) (*model.BearerCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return nil, err
	}
	cred, ok := creds[serial]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *FileStore) Save(_ context.Context, cred model.BearerCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	creds[cred.SerialNumber] = cred

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) read() (map[string]model.BearerCredential, error) {
	creds := map[string]model.BearerCredential{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return creds, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		// a corrupt cache is not fatal, tokens can be re-obtained.
		return map[string]model.BearerCredential{}, nil
	}
	return creds, nil
}
