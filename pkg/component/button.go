package component

import (
	"context"

	"github.com/vango-dev/uxcore/pkg/protocol"
)

// Button event and command names.
const (
	EventClick        = "click"
	CommandSetCaption = "button.setCaption"
	CommandSetEnabled = "button.setEnabled"
)

// Button is a clickable button.
type Button struct {
	Base

	caption string
	enabled bool
	onClick listeners
}

// NewButton creates an enabled button.
func NewButton(id, caption string) *Button {
	b := &Button{caption: caption, enabled: true}
	b.Init(id)
	return b
}

// Caption returns the button caption.
func (b *Button) Caption() string {
	return b.caption
}

// SetCaption changes the caption and updates the client.
func (b *Button) SetCaption(caption string) error {
	b.caption = caption
	return b.Send(CommandSetCaption, map[string]string{"caption": caption})
}

// Enabled reports whether clicks are accepted.
func (b *Button) Enabled() bool {
	return b.enabled
}

// SetEnabled toggles the button and updates the client.
func (b *Button) SetEnabled(enabled bool) error {
	b.enabled = enabled
	return b.Send(CommandSetEnabled, map[string]bool{"enabled": enabled})
}

// OnClick adds a click listener.
func (b *Button) OnClick(h Handler) {
	b.onClick.add(h)
}

// HandleEvent implements session.Component.
func (b *Button) HandleEvent(ctx context.Context, e *protocol.Event) error {
	switch e.Name {
	case EventClick:
		if !b.enabled {
			return nil
		}
		return b.onClick.fire(ctx)
	default:
		return b.ignoreEvent(e, "unknown_event")
	}
}
