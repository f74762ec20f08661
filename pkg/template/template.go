// Package template defines the display templates a session registers with its
// client. Components refer to templates by name; the client renders records
// by filling the template's properties.
package template

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"sort"
)

// ErrInvalidTemplate is returned for templates that cannot be registered.
var ErrInvalidTemplate = errors.New("template: invalid template")

// Template is a named record layout rendered on the client.
type Template struct {
	// Name is the registry key.
	Name string `json:"name"`

	// Layout selects the client-side layout, e.g. "icon-caption".
	Layout string `json:"layout"`

	// IconSize is the icon size in pixels, 0 when the layout has no icon.
	IconSize int `json:"iconSize,omitempty"`

	// Properties are the record property names the layout reads.
	Properties []string `json:"properties"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// Validate checks that the template can be registered.
func (t *Template) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil", ErrInvalidTemplate)
	}
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidTemplate, t.Name)
	}
	if t.Layout == "" {
		return fmt.Errorf("%w: %s: missing layout", ErrInvalidTemplate, t.Name)
	}
	return nil
}

// Names of the built-in templates.
const (
	ListIconSingleLine  = "list.icon-single-line"
	ListIconTwoLines    = "list.icon-two-lines"
	ListIconThreeLines  = "list.icon-three-lines"
	ToolbarButton       = "toolbar.button"
	ToolbarButtonLarge  = "toolbar.button-large"
	MenuItem            = "menu.item"
	TreeNode            = "tree.node"
	FormFieldIconLabel  = "form.icon-label"
	NotificationDefault = "notification.default"
)

var builtins = []*Template{
	{Name: ListIconSingleLine, Layout: "icon-caption", IconSize: 16, Properties: []string{"icon", "caption"}},
	{Name: ListIconTwoLines, Layout: "icon-caption-description", IconSize: 24, Properties: []string{"icon", "caption", "description"}},
	{Name: ListIconThreeLines, Layout: "icon-caption-description-badge", IconSize: 32, Properties: []string{"icon", "caption", "description", "badge"}},
	{Name: ToolbarButton, Layout: "icon-caption", IconSize: 24, Properties: []string{"icon", "caption"}},
	{Name: ToolbarButtonLarge, Layout: "icon-caption-description", IconSize: 48, Properties: []string{"icon", "caption", "description"}},
	{Name: MenuItem, Layout: "icon-caption", IconSize: 16, Properties: []string{"icon", "caption"}},
	{Name: TreeNode, Layout: "icon-caption", IconSize: 16, Properties: []string{"icon", "caption"}},
	{Name: FormFieldIconLabel, Layout: "icon-caption", IconSize: 16, Properties: []string{"icon", "caption"}},
	{Name: NotificationDefault, Layout: "icon-caption-description", IconSize: 32, Properties: []string{"icon", "caption", "description"}},
}

// Builtins returns a fresh copy of the built-in template set, keyed by name.
func Builtins() map[string]*Template {
	out := make(map[string]*Template, len(builtins))
	for _, t := range builtins {
		c := *t
		c.Properties = append([]string(nil), t.Properties...)
		out[c.Name] = &c
	}
	return out
}

// Set is a name to template mapping. The zero value is empty and ready to use.
// A Set is not safe for concurrent use; sessions guard their own.
type Set struct {
	templates map[string]*Template
}

// NewSet returns a set seeded with the given templates.
func NewSet(seed map[string]*Template) *Set {
	s := &Set{}
	for _, t := range seed {
		s.put(t)
	}
	return s
}

func (s *Set) put(t *Template) {
	if s.templates == nil {
		s.templates = make(map[string]*Template)
	}
	s.templates[t.Name] = t
}

// Merge validates all templates and adds them, replacing same-named entries.
// Nothing is added if any template is invalid.
func (s *Set) Merge(templates map[string]*Template) error {
	for name, t := range templates {
		if err := t.Validate(); err != nil {
			return err
		}
		if name != t.Name {
			return fmt.Errorf("%w: key %q does not match name %q", ErrInvalidTemplate, name, t.Name)
		}
	}
	for _, t := range templates {
		s.put(t)
	}
	return nil
}

// Get returns the template registered under name.
func (s *Set) Get(name string) (*Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// Len returns the number of templates.
func (s *Set) Len() int {
	return len(s.templates)
}

// Names returns the registered names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the set.
func (s *Set) Map() map[string]*Template {
	return maps.Clone(s.templates)
}
