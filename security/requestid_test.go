package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := GetRequestID(ctx); got != "abc" {
		t.Errorf("GetRequestID() = %q, want abc", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKeep bool
	}{
		{name: "keeps valid upstream id", upstream: "req-123_ABC", wantKeep: true},
		{name: "replaces missing id", upstream: ""},
		{name: "replaces id with injection", upstream: "bad\r\nX-Evil: 1"},
		{name: "replaces id with spaces", upstream: "has space"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/", nil)
			if tt.upstream != "" {
				r.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			got := w.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response id %q differs from context id %q", got, seen)
			}
			if tt.wantKeep && got != tt.upstream {
				t.Errorf("id = %q, want upstream %q", got, tt.upstream)
			}
			if !tt.wantKeep && (got == tt.upstream || len(got) != 36) {
				t.Errorf("id = %q, want a fresh UUID", got)
			}
		})
	}
}
