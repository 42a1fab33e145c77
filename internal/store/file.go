package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps each document as a JSON file under a base directory.
// It performs no locking; concurrent writers may lose updates.
type FileStore struct {
	baseDir string
	files   map[Name]string
	logger  *logrus.Entry
}

// NewFileStore creates a FileStore rooted at baseDir. cacheFile and
// cspConfigFile are the file names of the two documents inside baseDir.
func NewFileStore(baseDir, cacheFile, cspConfigFile string, logger *logrus.Entry) *FileStore {
	return &FileStore{
		baseDir: filepath.Clean(baseDir),
		files: map[Name]string{
			Cache:     cacheFile,
			CSPConfig: cspConfigFile,
		},
		logger: logger.WithField("component", "file_store"),
	}
}

// BaseDir returns the directory holding the documents.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// ResolvePath returns the file backing the named document and makes sure the
// base directory exists.
func (s *FileStore) ResolvePath(name Name) (string, error) {
	filename, ok := s.files[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocument, name)
	}

	path := filepath.Clean(filepath.Join(s.baseDir, filename))
	if filepath.Dir(path) != s.baseDir || strings.ContainsRune(filename, filepath.Separator) {
		return "", fmt.Errorf("invalid file name for %s: %q", name, filename)
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrStorageUnavailable, s.baseDir, err)
	}

	return path, nil
}

// Read loads the named document. Missing files and files that do not hold a
// JSON object yield an empty Document.
func (s *FileStore) Read(_ context.Context, name Name) (Document, error) {
	path, err := s.ResolvePath(name)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- path is built from configured file names by ResolvePath
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.WithField("document", name).Debug("document not persisted yet")
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrStorageUnavailable, path, err)
	}

	doc, err := decode(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"document": name,
			"path":     path,
			"error":    err,
		}).Warn("ignoring unparsable document")
		return Document{}, nil
	}
	return doc, nil
}

// Write stores doc under name. In ModeMerge the currently persisted document
// is read first and doc is overlaid on it.
func (s *FileStore) Write(ctx context.Context, name Name, doc Document, mode Mode) (Document, error) {
	path, err := s.ResolvePath(name)
	if err != nil {
		return nil, err
	}

	result, err := compose(ctx, s, name, doc, mode)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %w", ErrStorageUnavailable, path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"document": name,
		"mode":     mode,
		"keys":     len(result),
	}).Debug("document written")

	return result, nil
}

// Save replaces the named document with doc.
func (s *FileStore) Save(ctx context.Context, name Name, doc Document) error {
	_, err := s.Write(ctx, name, doc, ModeReplace)
	return err
}

// decode parses a JSON object, keeping numbers as json.Number so integers
// survive a read/write cycle unchanged.
func decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
