package upload

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiskStore stores uploads on the local filesystem.
type DiskStore struct {
	dir     string
	maxSize int64
	now     func() time.Time

	mu    sync.RWMutex
	files map[string]*File
}

type diskMeta struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDiskStore creates a new DiskStore.
//
// Parameters:
//   - dir: Directory to store uploaded files
//   - maxSize: Maximum file size in bytes (0 = no limit)
func NewDiskStore(dir string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return &DiskStore{
		dir:     dir,
		maxSize: maxSize,
		now:     time.Now,
		files:   make(map[string]*File),
	}, nil
}

// Dir returns the storage directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save stores the uploaded file under a new token.
func (s *DiskStore) Save(filename, contentType string, r io.Reader) (*File, error) {
	token := uuid.NewString()
	path := filepath.Join(s.dir, token)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	reader := r
	if s.maxSize > 0 {
		reader = io.LimitReader(r, s.maxSize+1)
	}

	written, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if s.maxSize > 0 && written > s.maxSize {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	file := &File{
		Token:       token,
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Size:        written,
		Path:        path,
		UploadedAt:  s.now(),
	}

	if err := s.saveMeta(file); err != nil {
		os.Remove(path)
		return nil, err
	}

	s.mu.Lock()
	s.files[token] = file
	s.mu.Unlock()

	return file, nil
}

// Lookup returns the stored file for token, reading metadata from disk when
// the file was stored by a previous process.
func (s *DiskStore) Lookup(token string) (*File, error) {
	s.mu.RLock()
	file, ok := s.files[token]
	s.mu.RUnlock()
	if ok {
		return file, nil
	}

	if _, err := uuid.Parse(token); err != nil {
		return nil, ErrNotFound
	}
	meta, err := s.loadMeta(token)
	if err != nil {
		return nil, ErrNotFound
	}
	path := filepath.Join(s.dir, token)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNotFound
	}
	return &File{
		Token:       token,
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		Path:        path,
		UploadedAt:  meta.CreatedAt,
	}, nil
}

// Remove deletes the file and metadata for token.
func (s *DiskStore) Remove(token string) error {
	if _, err := uuid.Parse(token); err != nil {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.files, token)
	s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, token))
	os.Remove(s.metaPath(token))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Cleanup removes files older than maxAge, including orphans left on disk.
func (s *DiskStore) Cleanup(maxAge time.Duration) ([]string, error) {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for token, file := range s.files {
		if file.UploadedAt.Before(cutoff) {
			delete(s.files, token)
			os.Remove(file.Path)
			os.Remove(s.metaPath(token))
			removed = append(removed, token)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return removed, err
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		if _, tracked := s.files[entry.Name()]; tracked {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(s.dir, entry.Name()))
			os.Remove(s.metaPath(entry.Name()))
			removed = append(removed, entry.Name())
		}
	}

	return removed, nil
}

func (s *DiskStore) metaPath(token string) string {
	return filepath.Join(s.dir, token+".meta")
}

func (s *DiskStore) saveMeta(file *File) error {
	data, err := json.Marshal(&diskMeta{
		Filename:    file.Filename,
		ContentType: file.ContentType,
		Size:        file.Size,
		CreatedAt:   file.UploadedAt,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(file.Token), data, 0600)
}

func (s *DiskStore) loadMeta(token string) (*diskMeta, error) {
	data, err := os.ReadFile(s.metaPath(token))
	if err != nil {
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
