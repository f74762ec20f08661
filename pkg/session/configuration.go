package session

import "time"

// Configuration is the per-session display configuration sent to the client.
type Configuration struct {
	Language          string `json:"language"`
	TimeZone          string `json:"timeZone"`
	DateFormat        string `json:"dateFormat"`
	TimeFormat        string `json:"timeFormat"`
	FirstDayOfWeek    int    `json:"firstDayOfWeek"`
	DecimalSeparator  string `json:"decimalSeparator"`
	ThousandSeparator string `json:"thousandSeparator"`
	Theme             string `json:"theme"`
	OptimizedForTouch bool   `json:"optimizedForTouch"`
	IconPath          string `json:"iconPath"`
	IconSize          int    `json:"iconSize"`
}

// DefaultConfiguration derives a configuration from what the client reported.
func DefaultConfiguration(info *ClientInfo) Configuration {
	cfg := Configuration{
		Language:          "en",
		TimeZone:          "UTC",
		DateFormat:        "2006-01-02",
		TimeFormat:        "15:04",
		FirstDayOfWeek:    int(time.Monday),
		DecimalSeparator:  ".",
		ThousandSeparator: ",",
		Theme:             "default",
	}
	if info == nil {
		return cfg
	}
	if info.PreferredLanguage() != "" {
		cfg.Language = info.PreferredLanguage()
	}
	if info.TimezoneIANA() != "" {
		if _, err := time.LoadLocation(info.TimezoneIANA()); err == nil {
			cfg.TimeZone = info.TimezoneIANA()
		}
	}
	cfg.OptimizedForTouch = info.IsMobileDevice()
	return cfg
}

// Location returns the configured time zone, falling back to UTC.
func (c Configuration) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
