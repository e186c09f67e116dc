package api

import "testing"

func TestRouterAllowedOrigins(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"*.example.com"}, "https://foo.example.com", true},
		{[]string{"foo.example.com"}, "https://foo.example.com:8443", true},
		{[]string{"https://dash.example.com"}, "https://evil.example.com", false},
		{nil, "https://dash.example.com", false},
	}
	for _, tt := range tests {
		router := &Router{allowedOrigins: tt.allowed}
		if got := router.isAllowedOrigin(tt.origin); got != tt.want {
			t.Fatalf("isAllowedOrigin(%q) with %v = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}
