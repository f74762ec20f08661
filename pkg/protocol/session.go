package protocol

import (
	"errors"
	"strings"
)

// ErrInvalidSessionID is returned when a session identifier cannot be parsed.
var ErrInvalidSessionID = errors.New("protocol: invalid session id")

// SessionID identifies one live client session. It combines the transport-level
// connection identifier (the HTTP session) with the logical UI session created by
// the client page. A browser tab that reloads keeps both parts and therefore
// addresses the same SessionID.
//
// SessionID is comparable and is used directly as a map key.
type SessionID struct {
	HTTPSessionID string `json:"httpSessionId"`
	UISessionID   string `json:"uiSessionId"`
}

// String returns "http/ui".
func (id SessionID) String() string {
	return id.HTTPSessionID + "/" + id.UISessionID
}

// IsZero reports whether either part is missing.
func (id SessionID) IsZero() bool {
	return id.HTTPSessionID == "" || id.UISessionID == ""
}

// ParseSessionID parses the form produced by SessionID.String.
func ParseSessionID(s string) (SessionID, error) {
	httpID, ui, ok := strings.Cut(s, "/")
	if !ok || httpID == "" || ui == "" || strings.Contains(ui, "/") {
		return SessionID{}, ErrInvalidSessionID
	}
	return SessionID{HTTPSessionID: httpID, UISessionID: ui}, nil
}

// ClientSnapshot is the client metadata sent with a hello or refresh frame.
type ClientSnapshot struct {
	IP                    string            `json:"ip,omitempty"`
	ScreenWidth           int               `json:"screenWidth"`
	ScreenHeight          int               `json:"screenHeight"`
	ViewportWidth         int               `json:"viewPortWidth"`
	ViewportHeight        int               `json:"viewPortHeight"`
	PreferredLanguage     string            `json:"preferredLanguageIso,omitempty"`
	HighDensityScreen     bool              `json:"highDensityScreen"`
	TimezoneIANA          string            `json:"timezoneIana,omitempty"`
	TimezoneOffsetMinutes int               `json:"timezoneOffsetMinutes"`
	ClientTokens          []string          `json:"clientTokens,omitempty"`
	UserAgent             string            `json:"userAgentString,omitempty"`
	ClientURL             string            `json:"clientUrl,omitempty"`
	ClientParameters      map[string]string `json:"clientParameters,omitempty"`
}

// ClosingReason describes why a session ended.
type ClosingReason uint8

const (
	ReasonClientClosed ClosingReason = iota
	ReasonTimeout
	ReasonServerShutdown
	ReasonHandlerFailure
	ReasonTransportError
	ReasonReplaced
)

// String returns the string representation of the closing reason.
func (r ClosingReason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client_closed"
	case ReasonTimeout:
		return "timeout"
	case ReasonServerShutdown:
		return "server_shutdown"
	case ReasonHandlerFailure:
		return "handler_failure"
	case ReasonTransportError:
		return "transport_error"
	case ReasonReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}
