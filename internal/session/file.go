package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/ledger_client/internal/errors"
)

// sessionFile is the on-disk layout: one record per profile.
type sessionFile struct {
	Profiles map[string]Record `yaml:"profiles"`
}

// FileRepository stores records in a YAML file readable only by the owner.
// Writes go to a temporary file that is renamed over the original.
type FileRepository struct {
	mu      sync.Mutex
	path    string
	profile string
}

// NewFileRepository creates a FileRepository for profile at path.
func NewFileRepository(path, profile string) *FileRepository {
	if profile == "" {
		profile = "default"
	}
	return &FileRepository{path: filepath.Clean(path), profile: profile}
}

// Path returns the session file location.
func (f *FileRepository) Path() string {
	return f.path
}

// Get returns the record of the configured profile.
func (f *FileRepository) Get(_ context.Context) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.read()
	if err != nil {
		return Record{}, err
	}
	rec, ok := file.Profiles[f.profile]
	if !ok {
		return Record{}, errors.ErrNotFound
	}
	return rec, nil
}

// Set stores rec under the configured profile.
func (f *FileRepository) Set(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.read()
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	if file.Profiles == nil {
		file.Profiles = make(map[string]Record)
	}
	file.Profiles[f.profile] = rec
	return f.write(file)
}

// Clear removes the configured profile. The file is deleted once no profile
// remains.
func (f *FileRepository) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.read()
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	delete(file.Profiles, f.profile)
	if len(file.Profiles) == 0 {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	return f.write(file)
}

func (f *FileRepository) read() (sessionFile, error) {
	var file sessionFile

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return file, errors.ErrNotFound
	}
	if err != nil {
		return file, fmt.Errorf("read session file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse session file %s: %w", f.path, err)
	}
	return file, nil
}

func (f *FileRepository) write(file sessionFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

var _ Repository = (*FileRepository)(nil)
