package credstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
)

const (
	nonceSize = 24
	fileMode  = 0o600
	dirMode   = 0o700
)

// FileStore keeps tokens in a single JSON document on disk.
// If secret key is set the document is sealed with NaCl secretbox
type FileStore struct {
	path string
	key  *[32]byte

	mu sync.Mutex
}

func NewFileStore(path string, secretKey string) *FileStore {
	s := &FileStore{path: path}

	if secretKey != "" {
		key := sha256.Sum256([]byte(secretKey))
		s.key = &key
	}

	return s
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(_ context.Context, creds models.Credentials) error {
	data, err := s.encode(creds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeAtomic(data)
}

func (s *FileStore) Load(_ context.Context) (models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

// Replace holds the mutex from read to rename. Other processes sharing the file are not covered
func (s *FileStore) Replace(_ context.Context, refresh string, creds models.Credentials) error {
	data, err := s.encode(creds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	switch {
	case errors.Is(err, apperrors.ErrCredentialsNotFound):
		return fmt.Errorf("file store error: %w", apperrors.ErrCredentialsChanged)
	case err != nil:
		return err
	case current.Refresh != refresh:
		return fmt.Errorf("file store error: %w", apperrors.ErrCredentialsChanged)
	}

	return s.writeAtomic(data)
}

func (s *FileStore) encode(creds models.Credentials) ([]byte, error) {
	if !creds.Valid() {
		return nil, fmt.Errorf("file store error: %w", apperrors.ErrPartialCredentials)
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("file store error: can't encode credentials. Err: %w", err)
	}

	return s.seal(data)
}

// read expects s.mu held
func (s *FileStore) read() (models.Credentials, error) {
	var creds models.Credentials

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return creds, fmt.Errorf("file store error: %w", apperrors.ErrCredentialsNotFound)
	case err != nil:
		return creds, fmt.Errorf("file store error: can't read %s. Err: %w", s.path, err)
	}

	data, err = s.open(data)
	if err != nil {
		return creds, err
	}

	err = json.Unmarshal(data, &creds)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("file store error: can't decode credentials. Err: %w", err)
	}

	if !creds.Valid() {
		return models.Credentials{}, fmt.Errorf("file store error: %w", apperrors.ErrCredentialsNotFound)
	}

	return creds, nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file store error: can't remove %s. Err: %w", s.path, err)
	}

	return nil
}

// Write to temp file in the same directory and rename it over the target,
// so readers see either the old pair or the new one
func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("file store error: can't create %s. Err: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("file store error: can't create temp file. Err: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store error: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store error: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store error: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store error: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("file store error: can't replace %s. Err: %w", s.path, err)
	}

	return nil
}

func (s *FileStore) seal(data []byte) ([]byte, error) {
	if s.key == nil {
		return data, nil
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("file store error: can't generate nonce. Err: %w", err)
	}

	return secretbox.Seal(nonce[:], data, &nonce, s.key), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	if s.key == nil {
		return data, nil
	}

	if len(data) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("file store error: %w", apperrors.ErrCredentialsSealed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	opened, ok := secretbox.Open(nil, data[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, fmt.Errorf("file store error: %w", apperrors.ErrCredentialsSealed)
	}

	return opened, nil
}
