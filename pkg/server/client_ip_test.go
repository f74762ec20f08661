package server

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPFunc(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:   "direct peer",
			remote: "203.0.113.7:5000",
			want:   "203.0.113.7",
		},
		{
			name:    "untrusted peer ignores headers",
			remote:  "203.0.113.7:5000",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:    "203.0.113.7",
		},
		{
			name:    "trusted proxy X-Forwarded-For",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.5"},
			want:    "198.51.100.1",
		},
		{
			name:    "Forwarded header preferred",
			trusted: []string{"10.1.2.3"},
			remote:  "10.1.2.3:443",
			headers: map[string]string{
				"Forwarded":       `for="[2001:db8::1]:4711";proto=https`,
				"X-Forwarded-For": "198.51.100.1",
			},
			want: "2001:db8::1",
		},
		{
			name:    "all hops trusted",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			headers: map[string]string{"X-Forwarded-For": "10.9.9.9, 10.0.0.5"},
			want:    "10.9.9.9",
		},
		{
			name:    "unknown entries skipped",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:443",
			headers: map[string]string{"X-Forwarded-For": "unknown"},
			want:    "10.1.2.3",
		},
		{
			name:    "invalid trusted entries ignored",
			trusted: []string{"not-an-ip", "300.0.0.0/8"},
			remote:  "10.1.2.3:443",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:    "10.1.2.3",
		},
		{
			name:   "bad remote address",
			remote: "garbage",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIPFunc(tt.trusted, testLogger())(r); got != tt.want {
				t.Fatalf("client IP = %q, want %q", got, tt.want)
			}
		})
	}
}
