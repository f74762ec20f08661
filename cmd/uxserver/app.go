package main

import (
	"context"
	"fmt"

	"github.com/vango-dev/uxcore/pkg/component"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/upload"
)

// demoApp is the application served when uxserver runs standalone: a click
// counter and a file field echoing the uploaded file name.
func demoApp() func(ctx context.Context, s *session.Context) error {
	return func(ctx context.Context, s *session.Context) error {
		clicks := 0
		counter := component.NewButton("counter", "Clicked 0 times")
		counter.OnClick(func(ctx context.Context) error {
			clicks++
			return counter.SetCaption(fmt.Sprintf("Clicked %d times", clicks))
		})

		status := component.NewButton("status", "No file")

		field := component.NewFileField("file")
		field.OnUploaded(func(ctx context.Context, f *upload.File) error {
			return status.SetCaption(fmt.Sprintf("Received %s (%d bytes)", f.Filename, f.Size))
		})

		for _, c := range []session.Component{counter, status, field} {
			if err := s.RegisterComponent(c); err != nil {
				return err
			}
		}
		return status.SetEnabled(false)
	}
}
