// Package filestore keeps WhatsApp auth state in a session directory, one
// CBOR file per key.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"
)

const fileExt = ".cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("filestore: CBOR encoder initialization failed: " + err.Error())
	}

	// Maps decoded into any must come back as map[string]any so they can be
	// fed to the creds decoder.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("filestore: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store is a session directory on an afero filesystem.
type Store struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

// New creates a Store rooted at dir on fs. A nil fs means the OS filesystem.
func New(fs afero.Fs, dir string, logger *slog.Logger) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fs:  fs,
		dir: dir,
		log: logger.With("component", "filestore", "dir", dir),
	}
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// FileName maps a storage key to its file name.
func FileName(key string) string {
	name := strings.ReplaceAll(key, "/", "__")
	name = strings.ReplaceAll(name, ":", "-")
	return name + fileExt
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, FileName(key))
}

// WriteData atomically replaces the file for key.
func (s *Store) WriteData(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encMode.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, s.dir, FileName(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := s.fs.Rename(tmpName, s.path(key)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// ReadData returns the decoded value for key, or nil if the file is absent.
func (s *Store) ReadData(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var value any
	if err := decMode.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, nil
}

// RemoveData deletes the file for key. A missing file is not an error.
func (s *Store) RemoveData(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.fs.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Destroy removes the whole session directory.
func (s *Store) Destroy(ctx context.Context) error {
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	s.log.Info("Session directory deleted")
	return nil
}
