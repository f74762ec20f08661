// Package icons resolves the icon theme a session renders with.
//
// Each session gets the default theme for its device class when it starts.
// Themes backed by a directory are checked when the resolver is built, so a
// broken deployment fails at startup rather than per session:
//
//	resolver, err := icons.NewResolver(icons.DefaultThemes(), "material-outline", "material-filled")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	theme := resolver.Default(client.IsMobileDevice())
//	theme.URL("save") // "/icons/material-outline/save.svg"
package icons

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrThemeNotFound is returned when a configured default theme does not exist.
var ErrThemeNotFound = errors.New("icons: theme not found")

// ErrInvalidTheme is returned when a theme definition cannot be served.
var ErrInvalidTheme = errors.New("icons: invalid theme")

// Theme describes one icon set.
type Theme struct {
	// Name identifies the theme in configuration and URLs.
	Name string `json:"name"`

	// Style is the visual variant, e.g. "outline" or "filled".
	Style string `json:"style"`

	// Size is the default icon size in pixels.
	Size int `json:"size"`

	// Extension is the icon file extension. Default: "svg".
	Extension string `json:"extension"`

	// Dir is the directory holding the icon files. Empty means the icons are
	// served by something other than this process.
	Dir string `json:"-"`
}

// BasePath returns the URL prefix icons of this theme are served under.
func (t Theme) BasePath() string {
	return "/icons/" + t.Name + "/"
}

// URL returns the URL path of icon in this theme.
func (t Theme) URL(icon string) string {
	ext := t.Extension
	if ext == "" {
		ext = "svg"
	}
	return t.BasePath() + strings.TrimPrefix(icon, "/") + "." + ext
}

func (t Theme) validate() error {
	if t.Name == "" || strings.ContainsAny(t.Name, "/\\") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidTheme, t.Name)
	}
	if t.Dir == "" {
		return nil
	}
	info, err := os.Stat(t.Dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTheme, t.Name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s: %s is not a directory", ErrInvalidTheme, t.Name, t.Dir)
	}
	return nil
}

// DefaultThemes returns the built-in desktop and mobile themes.
func DefaultThemes() []Theme {
	return []Theme{
		{Name: "material-outline", Style: "outline", Size: 24},
		{Name: "material-filled", Style: "filled", Size: 32},
	}
}

// Resolver maps device classes to themes. It is immutable after construction.
type Resolver struct {
	themes  map[string]Theme
	desktop Theme
	mobile  Theme
}

// NewResolver validates themes and selects the desktop and mobile defaults.
func NewResolver(themes []Theme, desktop, mobile string) (*Resolver, error) {
	r := &Resolver{themes: make(map[string]Theme, len(themes))}
	for _, t := range themes {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.themes[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate theme %q", ErrInvalidTheme, t.Name)
		}
		r.themes[t.Name] = t
	}

	var ok bool
	if r.desktop, ok = r.themes[desktop]; !ok {
		return nil, fmt.Errorf("%w: desktop default %q", ErrThemeNotFound, desktop)
	}
	if r.mobile, ok = r.themes[mobile]; !ok {
		return nil, fmt.Errorf("%w: mobile default %q", ErrThemeNotFound, mobile)
	}
	return r, nil
}

// MustResolver is like NewResolver but panics on error.
func MustResolver(themes []Theme, desktop, mobile string) *Resolver {
	r, err := NewResolver(themes, desktop, mobile)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the default theme for a device class.
func (r *Resolver) Default(mobile bool) Theme {
	if mobile {
		return r.mobile
	}
	return r.desktop
}

// Theme returns the theme with the given name.
func (r *Resolver) Theme(name string) (Theme, bool) {
	t, ok := r.themes[name]
	return t, ok
}

// Themes returns all themes sorted by name.
func (r *Resolver) Themes() []Theme {
	out := make([]Theme, 0, len(r.themes))
	for _, t := range r.themes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
