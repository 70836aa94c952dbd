package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/cncaiprojem/jobcore/internal/adapter/httpserver"
	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , , ", []string{"*"}},
		{"https://a.example,,https://b.example", []string{"https://a.example", "https://b.example"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseOrigins(tc.in), "input %q", tc.in)
	}
}

func TestBuildRouterHealthAndHeaders(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		Classes:         []string{"default"},
		RateLimitPerMin: 60,
		MaxMessageBytes: 1 << 20,
	}
	srv := httpserver.NewServer(cfg, usecase.Dispatcher{}, usecase.CancelService{},
		usecase.ProgressService{}, nil, nil, nil, nil, nil)
	h := BuildRouter(cfg, srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestBuildRouterMetricsEndpoint(t *testing.T) {
	t.Parallel()
	cfg := config.Config{Classes: []string{"default"}, RateLimitPerMin: 60}
	srv := httpserver.NewServer(cfg, usecase.Dispatcher{}, usecase.CancelService{},
		usecase.ProgressService{}, nil, nil, nil, nil, nil)
	h := BuildRouter(cfg, srv)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
