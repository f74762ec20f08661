package upload

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"time"
)

// ErrNotFound is returned when an upload token is unknown.
var ErrNotFound = errors.New("upload: file not found")

// ErrTooLarge is returned when a file exceeds the size limit.
var ErrTooLarge = errors.New("upload: file too large")

// ErrTypeNotAllowed is returned when the detected content type is not accepted.
var ErrTypeNotAllowed = errors.New("upload: content type not allowed")

// Store is the interface for upload storage backends.
type Store interface {
	// Save stores the uploaded content under a fresh token.
	Save(filename, contentType string, r io.Reader) (*File, error)

	// Remove deletes the stored content for token.
	Remove(token string) error

	// Cleanup removes files older than maxAge and returns their tokens.
	Cleanup(maxAge time.Duration) ([]string, error)
}

// Sink receives completed uploads. The server's uploaded file table implements it.
type Sink interface {
	HandleFileUpload(token string, file *File) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(token string, file *File) error

// HandleFileUpload calls f.
func (f SinkFunc) HandleFileUpload(token string, file *File) error {
	return f(token, file)
}

// File is an uploaded file. It is immutable once stored and may be opened any
// number of times.
type File struct {
	// Token is the unique identifier handed to the client.
	Token string

	// Filename is the original filename from the client.
	Filename string

	// ContentType is the MIME type detected on the server.
	ContentType string

	// Size is the file size in bytes.
	Size int64

	// Path is the local filesystem path.
	Path string

	// UploadedAt is when the upload completed.
	UploadedAt time.Time
}

// Open returns a reader over the file contents.
func (f *File) Open() (io.ReadCloser, error) {
	r, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return r, err
}

// Config holds configuration for the upload handler.
type Config struct {
	// MaxFileSize is the maximum allowed file size in bytes.
	// Default: 10MB.
	MaxFileSize int64

	// AllowedTypes is a list of allowed MIME types, matched against the
	// server-side detected type. If empty, all types are allowed.
	AllowedTypes []string

	// TempExpiry is how long uploaded files live before cleanup.
	// Default: 1 hour.
	TempExpiry time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize: 10 * 1024 * 1024,
		TempExpiry:  time.Hour,
	}
}

func (c *Config) allowed(contentType string) bool {
	if len(c.AllowedTypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, t := range c.AllowedTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}

// Response is the JSON body returned for a successful upload.
type Response struct {
	UUID string `json:"uuid"`
}

// Handler returns an http.Handler for file uploads.
// Mount this on your router: r.Post("/upload", upload.Handler(store, gate))
//
// The handler expects a multipart form with a "file" field and responds with
//
//	{"uuid": "3f0c..."}
//
// The token is registered with sink before the response is written, so the
// client can reference it in the next event.
func Handler(store Store, sink Sink) http.Handler {
	return HandlerWithConfig(store, sink, DefaultConfig(), nil)
}

// HandlerWithConfig returns an upload handler with custom configuration.
func HandlerWithConfig(store Store, sink Sink, config *Config, logger *slog.Logger) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}
	maxSize := config.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "upload")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Limit the body before parsing.
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+(1<<20))

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		part, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "No file provided", http.StatusBadRequest)
			return
		}
		defer part.Close()

		if header.Size > maxSize {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}

		// Client headers are not trusted for the content type.
		sniff := make([]byte, 512)
		n, _ := io.ReadFull(part, sniff)
		contentType := http.DetectContentType(sniff[:n])
		if !config.allowed(contentType) {
			http.Error(w, "File type not allowed", http.StatusUnsupportedMediaType)
			return
		}
		if _, err := part.Seek(0, io.SeekStart); err != nil {
			http.Error(w, "Upload failed", http.StatusInternalServerError)
			return
		}

		file, err := store.Save(header.Filename, contentType, part)
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
				return
			}
			logger.Error("upload save failed", "filename", header.Filename, "error", err)
			http.Error(w, "Upload failed", http.StatusInternalServerError)
			return
		}

		if err := sink.HandleFileUpload(file.Token, file); err != nil {
			logger.Error("upload registration failed", "token", file.Token, "error", err)
			_ = store.Remove(file.Token)
			http.Error(w, "Upload failed", http.StatusInternalServerError)
			return
		}

		logger.Debug("file uploaded",
			"token", file.Token,
			"filename", file.Filename,
			"size", file.Size)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{UUID: file.Token})
	})
}
