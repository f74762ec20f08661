package session

import (
	"maps"
	"net/url"
	"strings"

	"github.com/vango-dev/uxcore/pkg/protocol"
)

// mobileViewportWidth is the widest viewport still treated as a phone.
const mobileViewportWidth = 800

// ClientInfo describes the client a session is connected to. It is built once
// from the transport snapshot and never changes; a refresh creates a new one.
type ClientInfo struct {
	ip                    string
	screenWidth           int
	screenHeight          int
	viewportWidth         int
	viewportHeight        int
	preferredLanguage     string
	highDensityScreen     bool
	timezoneIANA          string
	timezoneOffsetMinutes int
	clientTokens          []string
	userAgent             string
	clientURL             *url.URL
	clientParameters      map[string]string
}

// NewClientInfo copies snap into an immutable ClientInfo.
func NewClientInfo(snap *protocol.ClientSnapshot) *ClientInfo {
	if snap == nil {
		snap = &protocol.ClientSnapshot{}
	}
	info := &ClientInfo{
		ip:                    snap.IP,
		screenWidth:           snap.ScreenWidth,
		screenHeight:          snap.ScreenHeight,
		viewportWidth:         snap.ViewportWidth,
		viewportHeight:        snap.ViewportHeight,
		preferredLanguage:     snap.PreferredLanguage,
		highDensityScreen:     snap.HighDensityScreen,
		timezoneIANA:          snap.TimezoneIANA,
		timezoneOffsetMinutes: snap.TimezoneOffsetMinutes,
		clientTokens:          append([]string(nil), snap.ClientTokens...),
		userAgent:             snap.UserAgent,
		clientParameters:      maps.Clone(snap.ClientParameters),
	}
	if snap.ClientURL != "" {
		if u, err := url.Parse(snap.ClientURL); err == nil {
			info.clientURL = u
		}
	}
	return info
}

func (c *ClientInfo) IP() string                 { return c.ip }
func (c *ClientInfo) ScreenWidth() int           { return c.screenWidth }
func (c *ClientInfo) ScreenHeight() int          { return c.screenHeight }
func (c *ClientInfo) ViewportWidth() int         { return c.viewportWidth }
func (c *ClientInfo) ViewportHeight() int        { return c.viewportHeight }
func (c *ClientInfo) PreferredLanguage() string  { return c.preferredLanguage }
func (c *ClientInfo) HighDensityScreen() bool    { return c.highDensityScreen }
func (c *ClientInfo) TimezoneIANA() string       { return c.timezoneIANA }
func (c *ClientInfo) TimezoneOffsetMinutes() int { return c.timezoneOffsetMinutes }
func (c *ClientInfo) UserAgent() string          { return c.userAgent }

// ClientTokens returns a copy of the tokens the client presented.
func (c *ClientInfo) ClientTokens() []string {
	return append([]string(nil), c.clientTokens...)
}

// ClientURL returns a copy of the page URL, or nil if the client sent none.
func (c *ClientInfo) ClientURL() *url.URL {
	if c.clientURL == nil {
		return nil
	}
	u := *c.clientURL
	return &u
}

// ClientParameter returns a parameter the client page passed at startup.
func (c *ClientInfo) ClientParameter(name string) (string, bool) {
	v, ok := c.clientParameters[name]
	return v, ok
}

// ClientParameters returns a copy of all client parameters.
func (c *ClientInfo) ClientParameters() map[string]string {
	return maps.Clone(c.clientParameters)
}

// IsMobileDevice reports whether the client looks like a phone: a mobile user
// agent, or a narrow viewport when the user agent is unknown.
func (c *ClientInfo) IsMobileDevice() bool {
	ua := strings.ToLower(c.userAgent)
	for _, marker := range []string{"mobi", "iphone", "android", "ipod", "windows phone"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	if ua == "" && c.viewportWidth > 0 {
		return c.viewportWidth < mobileViewportWidth
	}
	return false
}
