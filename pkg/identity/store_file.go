package identity

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileStore keeps values in a small YAML document, e.g. ~/.config/agentdeck/identity.yaml.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file identity store: empty path")
	}
	return &FileStore{path: path}, nil
}

// DefaultFilePath places the identity document under the user's config directory.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "agentdeck", "identity.yaml"), nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, _, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// PutIfAbsent is atomic across processes when it creates the document: the new file is
// hard-linked into place, which fails if another process created it first, and the winner's
// value is read back. Adding a key to an existing document is a plain replace.
func (s *FileStore) PutIfAbsent(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < 3; attempt++ {
		values, exists, err := s.readLocked()
		if err != nil {
			return "", err
		}
		if v, ok := values[key]; ok {
			return v, nil
		}
		values[key] = value
		if exists {
			if err := s.replaceLocked(values); err != nil {
				return "", err
			}
			return value, nil
		}
		err = s.createLocked(values)
		if errors.Is(err, fs.ErrExist) {
			log.Debug().Str("component", "identity").Str("path", s.path).Msg("identity file created concurrently, reading it back")
			continue
		}
		if err != nil {
			return "", err
		}
		return value, nil
	}
	return "", errors.Errorf("file identity store: %s keeps changing under us", s.path)
}

func (s *FileStore) readLocked() (map[string]string, bool, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, false, nil
		}
		return nil, false, errors.Wrapf(err, "read %s", s.path)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, true, errors.Wrapf(err, "parse %s", s.path)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, true, nil
}

// createLocked links a fully written temp file to the target path. It returns an error
// matching fs.ErrExist when the target appeared in the meantime.
func (s *FileStore) createLocked(values map[string]string) error {
	tmpName, err := s.writeTemp(values)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()
	err = os.Link(tmpName, s.path)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	// No hard links on this filesystem: fall back to a replace.
	log.Debug().Err(err).Str("component", "identity").Str("path", s.path).Msg("hard link failed, replacing identity file")
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "replace identity file")
	}
	return nil
}

func (s *FileStore) replaceLocked(values map[string]string) error {
	tmpName, err := s.writeTemp(values)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "replace identity file")
	}
	return nil
}

func (s *FileStore) writeTemp(values map[string]string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", errors.Wrap(err, "create identity dir")
	}
	b, err := yaml.Marshal(values)
	if err != nil {
		return "", errors.Wrap(err, "encode identity document")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*.yaml")
	if err != nil {
		return "", errors.Wrap(err, "create temp identity file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", errors.Wrap(err, "write temp identity file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", errors.Wrap(err, "close temp identity file")
	}
	return tmpName, nil
}
