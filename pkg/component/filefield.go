package component

import (
	"context"

	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// FileField event and command names.
const (
	EventUploaded      = "uploaded"
	EventCleared       = "cleared"
	CommandSetFileName = "fileField.setFileName"
)

// UploadedData is the payload of an uploaded event.
type UploadedData struct {
	UUID string `json:"uuid"`
}

// FileField accepts a file uploaded over the HTTP side channel. The client
// uploads first, then sends an uploaded event carrying the token.
type FileField struct {
	Base

	file       *upload.File
	onUploaded []func(ctx context.Context, f *upload.File) error
}

// NewFileField creates an empty file field.
func NewFileField(id string) *FileField {
	f := &FileField{}
	f.Init(id)
	return f
}

// File returns the current file, or nil.
func (f *FileField) File() *upload.File {
	return f.file
}

// OnUploaded adds a listener called after a file has been accepted.
func (f *FileField) OnUploaded(fn func(ctx context.Context, file *upload.File) error) {
	f.onUploaded = append(f.onUploaded, fn)
}

// HandleEvent implements session.Component.
func (f *FileField) HandleEvent(ctx context.Context, e *protocol.Event) error {
	switch e.Name {
	case EventUploaded:
		var data UploadedData
		if err := e.Bind(&data); err != nil {
			return err
		}
		s := f.Session()
		if s == nil || s.Server() == nil {
			return ErrDetached
		}
		file, ok := s.Server().UploadedFile(data.UUID)
		if !ok {
			return f.ignoreEvent(e, "unknown_upload", "token", data.UUID)
		}
		f.file = file
		if err := f.Send(CommandSetFileName, map[string]any{
			"fileName": file.Filename,
			"size":     file.Size,
		}); err != nil {
			return err
		}
		for _, fn := range f.onUploaded {
			if err := fn(ctx, file); err != nil {
				return err
			}
		}
		return nil
	case EventCleared:
		f.file = nil
		return nil
	default:
		return f.ignoreEvent(e, "unknown_event")
	}
}
