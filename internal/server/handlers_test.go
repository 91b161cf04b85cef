package server

import (
	"bytes"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"nexus-relay/internal/storage/zapadapter"
	mytesting "nexus-relay/internal/testing"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePOST(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", strings.NewReader("--x--"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")

	rr := httptest.NewRecorder()
	handler := enforcePOST("multipart/form-data", http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOST_NotPOST(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")

	rr := httptest.NewRecorder()
	handler := enforcePOST("multipart/form-data", http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePOST_MalformedContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", nil)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary")

	rr := httptest.NewRecorder()
	handler := enforcePOST("multipart/form-data", http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePOST_WrongContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOST("multipart/form-data", http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be multipart/form-data\n", rr.Body.String())
}

func TestEnforcePOST_MissingContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOST("multipart/form-data", http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestLogSetsConnID(t *testing.T) {
	t.Parallel()

	var got string
	handler := log(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = zapadapter.ConnIDFromContext(r.Context())
	}), zap.NewNop())

	req, err := http.NewRequest("GET", "/ws", nil)
	require.NoError(t, err)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, got, 20)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	health(rr, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", fastjson.GetString(rr.Body.Bytes(), "status"))
}

func TestStoredName(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000000)

	name := storedName("Voice Note.WEBM", now)
	require.True(t, strings.HasPrefix(name, "1700000000000-"), name)
	require.True(t, strings.HasSuffix(name, ".webm"), name)

	name = storedName("../../etc/passwd", now)
	require.NotContains(t, name, "/")
	require.NotContains(t, name, "..")

	require.NotEqual(t, storedName("a.png", now), storedName("a.png", now))
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestUploadAndServe(t *testing.T) {
	env := newTestEnv(t)

	content := []byte(mytesting.RandString())
	body, contentType := multipartBody(t, "file", "photo.png", content)

	resp, err := http.Post(env.ts.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, fastjson.ValidateBytes(raw))
	url := fastjson.GetString(raw, "url")
	require.True(t, strings.HasPrefix(url, env.ts.URL+"/uploads/"), url)
	require.True(t, strings.HasSuffix(url, ".png"), url)

	entries, err := os.ReadDir(env.uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	stored, err := os.ReadFile(filepath.Join(env.uploadDir, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, content, stored)

	got, err := http.Get(url)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	served, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, content, served)
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "other", "photo.png", []byte("x"))

	resp, err := http.Post(env.ts.URL+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadsNoListing(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/uploads/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "nexus_relay_connections")
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Not logged in", userMessage(errNotLoggedIn))
	require.Equal(t, "Server error", userMessage(io.ErrUnexpectedEOF))
}
