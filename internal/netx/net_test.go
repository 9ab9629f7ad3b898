package netx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"204 no content", http.StatusNoContent, true},
		{"200 ok", http.StatusOK, true},
		{"404 still reachable", http.StatusNotFound, true},
		{"503 counts as down", http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			got := Reachable(context.Background(), ts.Client(), ts.URL)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReachable_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	assert.False(t, Reachable(context.Background(), &http.Client{}, url))
}
