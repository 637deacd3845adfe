package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"status":"`+strings.Repeat("ok", 100)+`"}`)
}

func TestGzipCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Accept-Encoding", "br, gzip;q=0.8")
	rec := httptest.NewRecorder()

	GzipMiddleware(jsonHandler)(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Values("Vary"), "Accept-Encoding")

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), `{"status":"okok`))
}

func TestGzipPassThrough(t *testing.T) {
	for _, accept := range []string{"", "br", "gzip;q=0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.Header.Set("Accept-Encoding", accept)
		rec := httptest.NewRecorder()

		GzipMiddleware(jsonHandler)(rec, req)

		assert.Empty(t, rec.Header().Get("Content-Encoding"), accept)
		assert.True(t, strings.HasPrefix(rec.Body.String(), `{"status"`), accept)
	}
}

func TestGzipSkipsBodylessStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/rules/1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Zero(t, rec.Body.Len())
}

func TestAcceptsGzip(t *testing.T) {
	assert.True(t, acceptsGzip("gzip"))
	assert.True(t, acceptsGzip("deflate, GZIP"))
	assert.True(t, acceptsGzip("*"))
	assert.False(t, acceptsGzip("gzip; q=0"))
	assert.False(t, acceptsGzip("identity"))
}
