package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	principalFileName = "principal"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600

	maxPrincipalFileSize = 4096
)

var errUnsafePrincipalPath = errors.New("unsafe principal storage path")

// Store durably holds the principal string under a single key. Implementations
// must tolerate repeated Save calls with the same value.
type Store interface {
	Load() (string, error)
	Save(principal string) error
	Delete() error
}

// FileStore persists the principal as an owner-only file in the data
// directory, written atomically so a crash never leaves a truncated ID.
type FileStore struct {
	dataDir string
}

// NewFileStore creates a file-backed principal store rooted at dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("data directory cannot be empty")
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) path() string {
	return filepath.Join(s.dataDir, principalFileName)
}

// Load returns the stored principal, or empty string if none is saved.
func (s *FileStore) Load() (string, error) {
	info, err := os.Lstat(s.path())
	if err != nil {
		if isMissingPathError(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat principal file: %w", err)
	}
	if err := validateRegularFile(s.path(), info); err != nil {
		return "", err
	}
	if info.Size() > maxPrincipalFileSize {
		return "", fmt.Errorf("%w: file %q exceeds size limit", errUnsafePrincipalPath, s.path())
	}

	data, err := os.ReadFile(s.path())
	if err != nil {
		return "", fmt.Errorf("read principal file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the principal atomically with owner-only permissions.
func (s *FileStore) Save(principal string) error {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return errors.New("principal cannot be empty")
	}

	if err := os.MkdirAll(s.dataDir, privateDirPerm); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if info, err := os.Lstat(s.path()); err == nil {
		if err := validateRegularFile(s.path(), info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return fmt.Errorf("stat principal file: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.dataDir, principalFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp principal file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("secure temp principal file: %w", err)
	}
	if _, err := tmpFile.WriteString(principal + "\n"); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write principal: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp principal file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("finalize principal file: %w", err)
	}
	cleanup = false
	return nil
}

// Delete removes the stored principal. Missing file is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete principal file: %w", err)
	}
	return nil
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePrincipalPath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePrincipalPath, path)
	}
	return nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
